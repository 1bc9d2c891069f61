package s3

import (
	"fmt"
	"io"
)

// ObjectTooLargeError 表示讀回的死信物件超過允許的大小
type ObjectTooLargeError struct {
	Key   string
	Limit int64
}

func (e *ObjectTooLargeError) Error() string {
	return fmt.Sprintf("object %q exceeds limit of %s", e.Key, FormatBytes(e.Limit))
}

// limitedBody 包裝 S3 回傳的 Body，讀取超過 limit 時回傳 ObjectTooLargeError。
// 與 io.LimitReader 不同，超過上限不會被靜默截斷。
type limitedBody struct {
	body      io.Reader
	key       string
	limit     int64
	remaining int64
}

func newLimitedBody(key string, body io.Reader, limit int64) *limitedBody {
	return &limitedBody{body: body, key: key, limit: limit, remaining: limit}
}

func (b *limitedBody) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	// 多讀一個位元組才能分辨「剛好等於上限」與「超過上限」
	if max := b.remaining + 1; int64(len(p)) > max {
		p = p[:max]
	}
	n, err := b.body.Read(p)
	if int64(n) > b.remaining {
		n = int(b.remaining)
		b.remaining = 0
		return n, &ObjectTooLargeError{Key: b.key, Limit: b.limit}
	}
	b.remaining -= int64(n)
	return n, err
}
