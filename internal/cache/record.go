package cache

import (
	"encoding/json"
	"net/http"
	"time"
)

// record 是条目的持久化形式。fs/sqlite 驱动单独保存正文，Body 字段留空。
type record struct {
	Method   string      `json:"method"`
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	StoredAt time.Time   `json:"stored_at"`
	Body     []byte      `json:"body,omitempty"`
}

func newRecord(key Key, resp *Response, withBody bool) record {
	rec := record{
		Method:   key.Method,
		URL:      key.URL,
		Status:   resp.Status,
		Header:   resp.Header,
		StoredAt: resp.StoredAt,
	}
	if withBody {
		rec.Body = resp.Body
	}
	return rec
}

func (r record) key() Key {
	return Key{Method: r.Method, URL: r.URL}
}

func (r record) response(body []byte) *Response {
	header := r.Header
	if header == nil {
		header = http.Header{}
	}
	if body == nil {
		body = r.Body
	}
	return &Response{
		Status:   r.Status,
		Header:   header,
		Body:     body,
		StoredAt: r.StoredAt,
	}
}

func encodeRecord(rec record) ([]byte, error) {
	return json.Marshal(rec)
}

func decodeRecord(data []byte) (record, error) {
	var rec record
	err := json.Unmarshal(data, &rec)
	return rec, err
}
