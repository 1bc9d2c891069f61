package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FaultKind 是例外的種類，故障消費者依此分類
type FaultKind string

const (
	FaultKindArgument  FaultKind = "argument"
	FaultKindNotFound  FaultKind = "not_found"
	FaultKindTransient FaultKind = "transient"
	FaultKindUnknown   FaultKind = "unknown"
)

// Class 是故障的處理分類
type Class string

const (
	// ClassValidation 業務規則錯誤，可以透過補償後重送恢復
	ClassValidation Class = "ValidationFault"
	// ClassTransientInfra 匯流排或儲存層暫時不可用
	ClassTransientInfra Class = "TransientInfraFault"
	// ClassFatal 無法辨識或無法恢復，送往死信
	ClassFatal Class = "FatalFault"
)

// FaultTopic 回傳事件主題對應的故障主題
func FaultTopic(topic string) string {
	return topic + ":fault"
}

// FaultDescriptor 描述一次處理失敗
type FaultDescriptor struct {
	Kind    FaultKind `msgpack:"kind"`
	Message string    `msgpack:"message"`
	// Field 是造成錯誤的欄位，只有 argument 類型會填寫
	Field string `msgpack:"field,omitempty"`
	// Type 是原始錯誤的 Go 型別，方便人工排查
	Type string `msgpack:"type,omitempty"`
}

// Fault 包裝處理失敗的原始信封與失敗描述
type Fault struct {
	ID         string            `msgpack:"id"`
	Topic      string            `msgpack:"topic"`
	Consumer   string            `msgpack:"consumer"`
	Message    Envelope          `msgpack:"message"`
	Exceptions []FaultDescriptor `msgpack:"exceptions"`
	OccurredAt time.Time         `msgpack:"occurred_at"`
}

// NewFault 依照處理錯誤建立故障信封
func NewFault(consumer string, env Envelope, err error) Fault {
	return Fault{
		ID:         uuid.NewString(),
		Topic:      env.Topic(),
		Consumer:   consumer,
		Message:    env,
		Exceptions: Describe(err),
		OccurredAt: time.Now().UTC(),
	}
}

// Primary 回傳第一個失敗描述，分類以它為準
func (f Fault) Primary() FaultDescriptor {
	if len(f.Exceptions) == 0 {
		return FaultDescriptor{Kind: FaultKindUnknown}
	}
	return f.Exceptions[0]
}

// ArgumentError 表示事件內容違反業務規則
type ArgumentError struct {
	Field  string
	Reason string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid argument %s: %s", e.Field, e.Reason)
}

func (e *ArgumentError) FaultKind() FaultKind { return FaultKindArgument }

// NotFoundError 表示事件參照的聚合根不存在
type NotFoundError struct {
	Aggregate string
	ID        string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Aggregate, e.ID)
}

func (e *NotFoundError) FaultKind() FaultKind { return FaultKindNotFound }

// TransientError 包裝基礎設施暫時性錯誤，worker 會以退避重試
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string        { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error        { return e.Err }
func (e *TransientError) FaultKind() FaultKind { return FaultKindTransient }

// Transient 將錯誤標記為暫時性錯誤
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient 判斷錯誤鏈上是否有暫時性錯誤
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

type kinded interface {
	FaultKind() FaultKind
}

// Describe 將錯誤轉換為有序的失敗描述。
// errors.Join 合併的錯誤會依序展開，第一筆決定分類。
func Describe(err error) []FaultDescriptor {
	if err == nil {
		return nil
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []FaultDescriptor
		for _, e := range joined.Unwrap() {
			out = append(out, Describe(e)...)
		}
		return out
	}
	desc := FaultDescriptor{
		Kind:    FaultKindUnknown,
		Message: err.Error(),
		Type:    fmt.Sprintf("%T", err),
	}
	var k kinded
	if errors.As(err, &k) {
		desc.Kind = k.FaultKind()
		desc.Type = fmt.Sprintf("%T", k)
	}
	var arg *ArgumentError
	if errors.As(err, &arg) {
		desc.Field = arg.Field
	}
	return []FaultDescriptor{desc}
}
