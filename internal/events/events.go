// Package events delivers committed ledger events to brokers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
)

const (
	errorOperationPublish = "publish_event"
	errorCodeEncode       = "encode"
	errorCodeDeliver      = "deliver"
	errorCodeConnect      = "connect"
	contentTypeJSON       = "application/json"
	headerEventKind       = "kind"
)

func encodeEvent(event ledger.LedgerEvent) ([]byte, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, ledger.WrapError(errorOperationPublish, string(event.Kind), errorCodeEncode, err)
	}
	return payload, nil
}

// Fanout publishes every event to all wrapped publishers and joins their errors.
type Fanout struct {
	publishers []ledger.EventPublisher
}

// NewFanout skips nil publishers.
func NewFanout(publishers ...ledger.EventPublisher) *Fanout {
	kept := make([]ledger.EventPublisher, 0, len(publishers))
	for _, publisher := range publishers {
		if publisher != nil {
			kept = append(kept, publisher)
		}
	}
	return &Fanout{publishers: kept}
}

// Len reports how many publishers are wired.
func (fanout *Fanout) Len() int {
	return len(fanout.publishers)
}

func (fanout *Fanout) PublishLedgerEvent(ctx context.Context, event ledger.LedgerEvent) error {
	var errs []error
	for _, publisher := range fanout.publishers {
		if err := publisher.PublishLedgerEvent(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every publisher that holds a connection.
func (fanout *Fanout) Close() error {
	var errs []error
	for _, publisher := range fanout.publishers {
		if closer, ok := publisher.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
