package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// Kind 是事件的類型標籤
type Kind string

const (
	KindAuctionCreated Kind = "AuctionCreated"
	KindAuctionUpdated Kind = "AuctionUpdated"
	KindAuctionDeleted Kind = "AuctionDeleted"
	KindBidPlaced      Kind = "BidPlaced"
)

// Topic 回傳事件類型對應的訂閱主題，每個事件類型只有一個邏輯訂閱
func (k Kind) Topic() string {
	switch k {
	case KindAuctionCreated:
		return "auction.created"
	case KindAuctionUpdated:
		return "auction.updated"
	case KindAuctionDeleted:
		return "auction.deleted"
	case KindBidPlaced:
		return "bid.placed"
	}
	return ""
}

// Topics 回傳所有事件主題
func Topics() []string {
	return []string{
		KindAuctionCreated.Topic(),
		KindAuctionUpdated.Topic(),
		KindAuctionDeleted.Topic(),
		KindBidPlaced.Topic(),
	}
}

var (
	ErrUnknownKind    = errors.New("unknown event kind")
	ErrPayloadMissing = errors.New("envelope payload is missing")
)

// Payload 是封閉的事件內容型別，只有本套件內的型別能實作
type Payload interface {
	Kind() Kind
	aggregateID() string
	sealed()
}

// Envelope 是服務之間交換的事件單位
type Envelope struct {
	ID            string
	Kind          Kind
	AggregateID   string
	Version       int64
	CorrelationID string
	OccurredAt    time.Time
	// Compensations 記錄此事件已經被補償重送的次數，用於防止補償迴圈
	Compensations int
	Payload       Payload
}

// NewEnvelope 建立一個新的事件信封，AggregateID 與 Kind 由 payload 決定
func NewEnvelope(payload Payload, version int64, correlationID string) Envelope {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return Envelope{
		ID:            uuid.NewString(),
		Kind:          payload.Kind(),
		AggregateID:   payload.aggregateID(),
		Version:       version,
		CorrelationID: correlationID,
		OccurredAt:    time.Now().UTC(),
		Payload:       payload,
	}
}

// Topic 回傳信封所屬的主題
func (e Envelope) Topic() string {
	return e.Kind.Topic()
}

// Visitor 針對每一種事件類型各有一個方法。
// 新增事件類型時必須在這裡新增方法，所有消費者因此會在編譯期失敗，不會默默落入預設分支。
type Visitor interface {
	AuctionCreated(ctx context.Context, env Envelope, payload AuctionCreated) error
	AuctionUpdated(ctx context.Context, env Envelope, payload AuctionUpdated) error
	AuctionDeleted(ctx context.Context, env Envelope, payload AuctionDeleted) error
	BidPlaced(ctx context.Context, env Envelope, payload BidPlaced) error
}

// Dispatch 依照 payload 的型別呼叫 Visitor 對應的方法
func Dispatch(ctx context.Context, v Visitor, env Envelope) error {
	switch p := env.Payload.(type) {
	case AuctionCreated:
		return v.AuctionCreated(ctx, env, p)
	case AuctionUpdated:
		return v.AuctionUpdated(ctx, env, p)
	case AuctionDeleted:
		return v.AuctionDeleted(ctx, env, p)
	case BidPlaced:
		return v.BidPlaced(ctx, env, p)
	case nil:
		return ErrPayloadMissing
	}
	return fmt.Errorf("%w: %T", ErrUnknownKind, env.Payload)
}

// wireEnvelope 是信封在訊息匯流排上的格式
type wireEnvelope struct {
	ID            string             `msgpack:"id"`
	Kind          Kind               `msgpack:"kind"`
	AggregateID   string             `msgpack:"aggregate_id"`
	Version       int64              `msgpack:"version"`
	CorrelationID string             `msgpack:"correlation_id"`
	OccurredAt    time.Time          `msgpack:"occurred_at"`
	Compensations int                `msgpack:"compensations"`
	Payload       msgpack.RawMessage `msgpack:"payload"`
}

// MarshalMsgpack 實作 msgpack.Marshaler
func (e Envelope) MarshalMsgpack() ([]byte, error) {
	if e.Payload == nil {
		return nil, ErrPayloadMissing
	}
	if e.Payload.Kind() != e.Kind {
		return nil, fmt.Errorf("%w: envelope kind %q does not match payload kind %q", ErrUnknownKind, e.Kind, e.Payload.Kind())
	}
	payload, err := msgpack.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("msgpack marshal payload error: %w", err)
	}
	return msgpack.Marshal(wireEnvelope{
		ID:            e.ID,
		Kind:          e.Kind,
		AggregateID:   e.AggregateID,
		Version:       e.Version,
		CorrelationID: e.CorrelationID,
		OccurredAt:    e.OccurredAt,
		Compensations: e.Compensations,
		Payload:       payload,
	})
}

// UnmarshalMsgpack 實作 msgpack.Unmarshaler
func (e *Envelope) UnmarshalMsgpack(data []byte) error {
	var w wireEnvelope
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("msgpack unmarshal envelope error: %w", err)
	}
	payload, err := decodePayload(w.Kind, w.Payload)
	if err != nil {
		return err
	}
	*e = Envelope{
		ID:            w.ID,
		Kind:          w.Kind,
		AggregateID:   w.AggregateID,
		Version:       w.Version,
		CorrelationID: w.CorrelationID,
		OccurredAt:    w.OccurredAt,
		Compensations: w.Compensations,
		Payload:       payload,
	}
	return nil
}

func decodePayload(kind Kind, raw []byte) (Payload, error) {
	switch kind {
	case KindAuctionCreated:
		return unmarshalPayload[AuctionCreated](raw)
	case KindAuctionUpdated:
		return unmarshalPayload[AuctionUpdated](raw)
	case KindAuctionDeleted:
		return unmarshalPayload[AuctionDeleted](raw)
	case KindBidPlaced:
		return unmarshalPayload[BidPlaced](raw)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

func unmarshalPayload[T Payload](raw []byte) (Payload, error) {
	var p T
	if err := msgpack.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("msgpack unmarshal %s payload error: %w", p.Kind(), err)
	}
	return p, nil
}

// Encode 將信封序列化成位元組，用於寫入 outbox
func Encode(env Envelope) ([]byte, error) {
	return msgpack.Marshal(env)
}

// Decode 從位元組還原信封
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
