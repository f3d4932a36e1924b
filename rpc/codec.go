package rpc

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

var ErrDecode = errors.New("rpc: failed to decode")

// Wire schema, protobuf compatible:
//
//	message Request {
//	  oneof request_type {
//	    GetBatteryHistoryRequest get_battery_history = 1;
//	    ClearBatteryHistoryRequest clear_battery_history = 2;
//	  }
//	}
//	message Response {
//	  oneof response_type {
//	    ErrorResponse error = 1;
//	    GetBatteryHistoryResponse battery_history = 2;
//	    ClearBatteryHistoryResponse clear_battery_history = 3;
//	  }
//	}
//	message ErrorResponse { string message = 1; }
//	message GetBatteryHistoryResponse {
//	  uint32 current_battery = 1;
//	  int32 total_entries = 2;
//	  repeated BatteryHistoryEntry entries = 3;
//	}
//	message BatteryHistoryEntry { uint32 timestamp = 1; uint32 battery_percentage = 2; }
//	message ClearBatteryHistoryResponse { bool success = 1; }
const (
	requestGetBatteryHistory   protowire.Number = 1
	requestClearBatteryHistory protowire.Number = 2

	responseError               protowire.Number = 1
	responseBatteryHistory      protowire.Number = 2
	responseClearBatteryHistory protowire.Number = 3

	errorMessage = 1

	historyCurrentBattery = 1
	historyTotalEntries   = 2
	historyEntries        = 3

	entryTimestamp  = 1
	entryPercentage = 2

	clearSuccess = 1
)

type RequestType int

const (
	RequestUnknown RequestType = iota
	RequestGetBatteryHistory
	RequestClearBatteryHistory
)

func (t RequestType) String() string {
	switch t {
	case RequestGetBatteryHistory:
		return "get_battery_history"
	case RequestClearBatteryHistory:
		return "clear_battery_history"
	}
	return fmt.Sprintf("unknown(%d)", int(t))
}

type Request struct {
	Type RequestType
}

type Entry struct {
	Timestamp         uint32
	BatteryPercentage uint32
}

type GetBatteryHistoryResponse struct {
	CurrentBattery uint32
	TotalEntries   int32
	Entries        []Entry
}

type ClearBatteryHistoryResponse struct {
	Success bool
}

type ErrorResponse struct {
	Message string
}

// Response holds exactly one of its variants.
type Response struct {
	Error               *ErrorResponse
	BatteryHistory      *GetBatteryHistoryResponse
	ClearBatteryHistory *ClearBatteryHistoryResponse
}

func EncodeRequest(r Request) ([]byte, error) {
	var b []byte
	switch r.Type {
	case RequestGetBatteryHistory:
		b = protowire.AppendTag(b, requestGetBatteryHistory, protowire.BytesType)
	case RequestClearBatteryHistory:
		b = protowire.AppendTag(b, requestClearBatteryHistory, protowire.BytesType)
	default:
		return nil, fmt.Errorf("rpc: can not encode request type %s", r.Type)
	}
	return protowire.AppendBytes(b, nil), nil
}

// DecodeRequest parses a Request. A message with no recognised variant decodes to RequestUnknown.
func DecodeRequest(b []byte) (Request, error) {
	var r Request
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case requestGetBatteryHistory, requestClearBatteryHistory:
			v, n, err := consumeMessage(typ, b)
			if err != nil {
				return 0, err
			}
			// Both request messages are empty, unknown fields inside them are skipped.
			if err := walk(v, skip); err != nil {
				return 0, err
			}
			if num == requestGetBatteryHistory {
				r.Type = RequestGetBatteryHistory
			} else {
				r.Type = RequestClearBatteryHistory
			}
			return n, nil
		}
		return skip(num, typ, b)
	})
	if err != nil {
		return Request{}, err
	}
	return r, nil
}

func EncodeResponse(r *Response) []byte {
	var b []byte
	switch {
	case r.Error != nil:
		var m []byte
		if r.Error.Message != "" {
			m = protowire.AppendTag(m, errorMessage, protowire.BytesType)
			m = protowire.AppendString(m, r.Error.Message)
		}
		b = appendMessage(b, responseError, m)
	case r.BatteryHistory != nil:
		h := r.BatteryHistory
		var m []byte
		m = appendVarint(m, historyCurrentBattery, uint64(h.CurrentBattery))
		m = appendVarint(m, historyTotalEntries, uint64(int64(h.TotalEntries)))
		for _, e := range h.Entries {
			var em []byte
			em = appendVarint(em, entryTimestamp, uint64(e.Timestamp))
			em = appendVarint(em, entryPercentage, uint64(e.BatteryPercentage))
			m = appendMessage(m, historyEntries, em)
		}
		b = appendMessage(b, responseBatteryHistory, m)
	case r.ClearBatteryHistory != nil:
		var m []byte
		m = appendVarint(m, clearSuccess, protowire.EncodeBool(r.ClearBatteryHistory.Success))
		b = appendMessage(b, responseClearBatteryHistory, m)
	}
	return b
}

func DecodeResponse(b []byte) (*Response, error) {
	r := &Response{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case responseError:
			v, n, err := consumeMessage(typ, b)
			if err != nil {
				return 0, err
			}
			e := &ErrorResponse{}
			err = walk(v, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				if num != errorMessage {
					return skip(num, typ, b)
				}
				s, n, err := consumeMessage(typ, b)
				e.Message = string(s)
				return n, err
			})
			if err != nil {
				return 0, err
			}
			*r = Response{Error: e}
			return n, nil
		case responseBatteryHistory:
			v, n, err := consumeMessage(typ, b)
			if err != nil {
				return 0, err
			}
			h, err := decodeHistory(v)
			if err != nil {
				return 0, err
			}
			*r = Response{BatteryHistory: h}
			return n, nil
		case responseClearBatteryHistory:
			v, n, err := consumeMessage(typ, b)
			if err != nil {
				return 0, err
			}
			c := &ClearBatteryHistoryResponse{}
			err = walk(v, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				if num != clearSuccess {
					return skip(num, typ, b)
				}
				x, n, err := consumeVarint(typ, b)
				c.Success = protowire.DecodeBool(x)
				return n, err
			})
			if err != nil {
				return 0, err
			}
			*r = Response{ClearBatteryHistory: c}
			return n, nil
		}
		return skip(num, typ, b)
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func decodeHistory(b []byte) (*GetBatteryHistoryResponse, error) {
	h := &GetBatteryHistoryResponse{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case historyCurrentBattery:
			x, n, err := consumeVarint(typ, b)
			h.CurrentBattery = uint32(x)
			return n, err
		case historyTotalEntries:
			x, n, err := consumeVarint(typ, b)
			h.TotalEntries = int32(x)
			return n, err
		case historyEntries:
			v, n, err := consumeMessage(typ, b)
			if err != nil {
				return 0, err
			}
			var e Entry
			err = walk(v, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch num {
				case entryTimestamp:
					x, n, err := consumeVarint(typ, b)
					e.Timestamp = uint32(x)
					return n, err
				case entryPercentage:
					x, n, err := consumeVarint(typ, b)
					e.BatteryPercentage = uint32(x)
					return n, err
				}
				return skip(num, typ, b)
			})
			if err != nil {
				return 0, err
			}
			h.Entries = append(h.Entries, e)
			return n, nil
		}
		return skip(num, typ, b)
	})
	return h, err
}

// fieldFunc consumes the value of one field from b and returns how many bytes it used.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func walk(b []byte, field fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrDecode, protowire.ParseError(n))
		}
		b = b[n:]
		m, err := field(num, typ, b)
		if err != nil {
			return err
		}
		b = b[m:]
	}
	return nil
}

func skip(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, fmt.Errorf("%w: field %d: %v", ErrDecode, num, protowire.ParseError(n))
	}
	return n, nil
}

func consumeMessage(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("%w: wire type %d where length delimited expected", ErrDecode, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, fmt.Errorf("%w: %v", ErrDecode, protowire.ParseError(n))
	}
	return v, n, nil
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("%w: wire type %d where varint expected", ErrDecode, typ)
	}
	x, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, fmt.Errorf("%w: %v", ErrDecode, protowire.ParseError(n))
	}
	return x, n, nil
}

func appendMessage(b []byte, num protowire.Number, m []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m)
}

// appendVarint skips zero values the way proto3 does.
func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}
