// Package audit writes verification events to Elasticsearch. The trail is
// best-effort: a failed write is logged and dropped, it never slows down
// or fails a verification.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"membergate/internal/common/logger"
	"membergate/internal/verify"
)

const writeTimeout = 5 * time.Second

// ESSink indexes verification events into a single index.
type ESSink struct {
	client *elasticsearch.Client
	index  string
	logger logger.Logger
}

func NewESSink(client *elasticsearch.Client, index string, log logger.Logger) *ESSink {
	return &ESSink{
		client: client,
		index:  index,
		logger: log.WithFields(map[string]interface{}{"component": "audit"}),
	}
}

// Record indexes one event. The event's own ID is the document ID, so a
// redelivered event overwrites itself instead of duplicating.
func (s *ESSink) Record(ctx context.Context, event verify.Event) {
	body, err := json.Marshal(event)
	if err != nil {
		s.logger.WithError(err).Warn("failed to encode verification event", map[string]interface{}{
			"eventId": event.ID,
		})
		return
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	req := esapi.IndexRequest{
		Index:      s.index,
		DocumentID: event.ID,
		Body:       bytes.NewReader(body),
	}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		s.logger.WithError(err).Warn("failed to index verification event", map[string]interface{}{
			"eventId": event.ID,
		})
		return
	}
	defer res.Body.Close()

	if res.IsError() {
		s.logger.Warn("elasticsearch rejected verification event", map[string]interface{}{
			"eventId": event.ID,
			"status":  res.Status(),
		})
	}
}

// NopSink discards events. Used when the audit trail is not configured.
type NopSink struct{}

func (NopSink) Record(context.Context, verify.Event) {}
