package redis

import (
	"encoding/base64"
	"errors"
	"fmt"
	"reflect"

	"carsties/events"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	dataField = "data"
	// 以下欄位只為了方便在 redis-cli 中查閱，解析時不使用
	idField        = "id"
	kindField      = "kind"
	aggregateField = "aggregate_id"
)

var (
	ErrPointerType = errors.New("pointer type is not allowed")
)

// DefaultParseToMessage 將struct以 msgpack + base64 編碼後放入 data 欄位
func DefaultParseToMessage[T any](data T) (map[string]any, error) {
	// 檢查是否為指標類型
	if reflect.TypeOf(data).Kind() == reflect.Ptr {
		return nil, ErrPointerType
	}

	bytes, err := msgpack.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("msgpack marshal error: %w", err)
	}

	return map[string]any{
		dataField: base64.StdEncoding.EncodeToString(bytes),
	}, nil
}

// DefaultParseFromMessage 從 data 欄位還原struct
func DefaultParseFromMessage[T any](message map[string]any) (T, error) {
	var result T

	// 檢查是否為指標類型
	if reflect.TypeOf(result).Kind() == reflect.Ptr {
		return result, ErrPointerType
	}

	dataStr, ok := message[dataField].(string)
	if !ok {
		return result, fmt.Errorf("data field not found or invalid type")
	}

	bytes, err := base64.StdEncoding.DecodeString(dataStr)
	if err != nil {
		return result, fmt.Errorf("base64 decode error: %w", err)
	}

	if err := msgpack.Unmarshal(bytes, &result); err != nil {
		return result, fmt.Errorf("msgpack unmarshal error: %w", err)
	}

	return result, nil
}

// EnvelopeToMessage 編碼事件信封，並附上可讀的識別欄位
func EnvelopeToMessage(env events.Envelope) (map[string]any, error) {
	message, err := DefaultParseToMessage(env)
	if err != nil {
		return nil, err
	}
	message[idField] = env.ID
	message[kindField] = string(env.Kind)
	message[aggregateField] = env.AggregateID
	return message, nil
}

// FaultToMessage 編碼故障信封，並附上可讀的識別欄位
func FaultToMessage(fault events.Fault) (map[string]any, error) {
	message, err := DefaultParseToMessage(fault)
	if err != nil {
		return nil, err
	}
	message[idField] = fault.ID
	message[kindField] = string(fault.Primary().Kind)
	message[aggregateField] = fault.Message.AggregateID
	return message, nil
}
