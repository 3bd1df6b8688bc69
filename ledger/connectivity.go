package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hazyhaar/intelsync/connectivity"
)

var errBadPayload = errors.New("ledger: malformed payload")

// RegisterConnectivity registers the ledger handlers on a connectivity Router.
//
// Registered services:
//
//	ledger_list_reports   live (non-superseded) records
//	ledger_submit_report  verify and record a signed Envelope
func (l *Ledger) RegisterConnectivity(router *connectivity.Router) {
	router.RegisterLocal(ServiceList, l.handleList)
	router.RegisterLocal(ServiceSubmit, l.handleSubmit)
}

func (l *Ledger) handleList(ctx context.Context, payload []byte) ([]byte, error) {
	var req ListRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", errBadPayload, err)
		}
	}
	records, err := l.List(ctx, req)
	if err != nil {
		return nil, err
	}
	return json.Marshal(records)
}

func (l *Ledger) handleSubmit(ctx context.Context, payload []byte) ([]byte, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadPayload, err)
	}
	res, err := l.Submit(ctx, env)
	if err != nil {
		return nil, err
	}
	return json.Marshal(res)
}
