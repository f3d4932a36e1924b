// Package rpc implements the battery history request/response subsystem.
//
// Requests arrive as encoded bytes from any transport and always get an encoded Response back,
// failures included.
package rpc

import (
	"errors"

	"github.com/TheCacophonyProject/battery-history/history"
	"github.com/sirupsen/logrus"
)

const SubsystemName = "cacophony__battery_history"

type Security int

const (
	SecurityUnsecured Security = iota
	SecuritySecured
)

func (s Security) String() string {
	if s == SecuritySecured {
		return "secured"
	}
	return "unsecured"
}

const (
	msgDecodeFailed  = "Failed to decode request"
	msgProcessFailed = "Failed to process request"
)

var errUnknownRequest = errors.New("rpc: unknown request type")

// Querier is what the handler needs from the history.
type Querier interface {
	GetCurrent() uint8
	GetCount() int
	Capacity() int
	GetEntries(max int) ([]history.Sample, error)
	Clear() error
}

type Handler struct {
	q   Querier
	log *logrus.Logger
}

func NewHandler(q Querier, log *logrus.Logger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{q: q, log: log}
}

// Security is advertised to callers, it is not enforced here.
func (h *Handler) Security() Security {
	return SecurityUnsecured
}

// Handle decodes payload, runs the request and returns the encoded response.
func (h *Handler) Handle(payload []byte) []byte {
	return EncodeResponse(h.HandleRequest(payload))
}

func (h *Handler) HandleRequest(payload []byte) *Response {
	req, err := DecodeRequest(payload)
	if err != nil {
		h.log.Warnf("Failed to decode battery history request: %v", err)
		return errorResponse(msgDecodeFailed)
	}
	h.log.Debugf("Battery history request: %s", req.Type)

	resp, err := h.dispatch(req)
	if err != nil {
		h.log.Errorf("Failed to process battery history request %s: %v", req.Type, err)
		return errorResponse(msgProcessFailed)
	}
	return resp
}

func (h *Handler) dispatch(req Request) (*Response, error) {
	switch req.Type {
	case RequestGetBatteryHistory:
		return h.getHistory()
	case RequestClearBatteryHistory:
		return h.clearHistory(), nil
	}
	return nil, errUnknownRequest
}

func (h *Handler) getHistory() (*Response, error) {
	resp := &GetBatteryHistoryResponse{
		CurrentBattery: uint32(h.q.GetCurrent()),
		TotalEntries:   int32(h.q.GetCount()),
	}
	samples, err := h.q.GetEntries(h.q.Capacity())
	if err != nil {
		return nil, err
	}
	resp.Entries = make([]Entry, len(samples))
	for i, s := range samples {
		resp.Entries[i] = Entry{Timestamp: s.Timestamp, BatteryPercentage: uint32(s.Percentage)}
	}
	return &Response{BatteryHistory: resp}, nil
}

func (h *Handler) clearHistory() *Response {
	err := h.q.Clear()
	if err != nil {
		h.log.Errorf("Failed to clear battery history: %v", err)
	}
	return &Response{ClearBatteryHistory: &ClearBatteryHistoryResponse{Success: err == nil}}
}

func errorResponse(msg string) *Response {
	return &Response{Error: &ErrorResponse{Message: msg}}
}
