package wire

import (
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// binaryCodec implements the binary-schema dialect: a fixed protobuf-style
// schema assembled directly with protowire primitives.
//
// Request: 1=id varint, 2=method varint, 3=type bytes, 4=key bytes,
// 5=count varint, 6=all varint. Response: 1=id varint, then exactly one
// body submessage: 2=take, 3=put, 4=status, 5=error. Unknown fields in
// incoming payloads are skipped.
type binaryCodec struct{}

func (binaryCodec) Name() string { return DialectBinarySchema }

const (
	reqFieldID     = 1
	reqFieldMethod = 2
	reqFieldType   = 3
	reqFieldKey    = 4
	reqFieldCount  = 5
	reqFieldAll    = 6

	respFieldID     = 1
	respFieldTake   = 2
	respFieldPut    = 3
	respFieldStatus = 4
	respFieldError  = 5

	takeFieldConformant = 1
	takeFieldRemaining  = 2
	takeFieldLimit      = 3
	takeFieldReset      = 4

	putFieldRemaining = 1
	putFieldLimit     = 2
	putFieldReset     = 3

	statusFieldItem = 1

	itemFieldKey       = 1
	itemFieldRemaining = 2
	itemFieldLimit     = 3
	itemFieldReset     = 4

	errFieldKind    = 1
	errFieldMessage = 2
)

func (binaryCodec) EncodeRequest(req *Request) ([]byte, error) {
	if !req.Method.Valid() {
		return nil, fmt.Errorf("wire: encode request: invalid method %d", req.Method)
	}
	var b []byte
	b = protowire.AppendTag(b, reqFieldID, protowire.VarintType)
	b = protowire.AppendVarint(b, req.ID)
	b = protowire.AppendTag(b, reqFieldMethod, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(req.Method))
	b = protowire.AppendTag(b, reqFieldType, protowire.BytesType)
	b = protowire.AppendString(b, req.Type)
	b = protowire.AppendTag(b, reqFieldKey, protowire.BytesType)
	b = protowire.AppendString(b, req.Key)
	b = protowire.AppendTag(b, reqFieldCount, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(req.Count))
	if req.All {
		b = protowire.AppendTag(b, reqFieldAll, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return b, nil
}

func (binaryCodec) DecodeRequest(payload []byte) (*Request, error) {
	req := &Request{Count: 1}
	var rawMethod uint64
	sawMethod := false
	for len(payload) > 0 {
		num, typ, n := protowire.ConsumeTag(payload)
		if n < 0 {
			return nil, &ProtocolError{Dialect: DialectBinarySchema, Reason: "malformed field tag"}
		}
		payload = payload[n:]
		switch {
		case num == reqFieldID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(payload)
			if n < 0 {
				return nil, &ProtocolError{Dialect: DialectBinarySchema, Reason: "malformed id"}
			}
			req.ID = v
			payload = payload[n:]
		case num == reqFieldMethod && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(payload)
			if n < 0 {
				return nil, &ProtocolError{Dialect: DialectBinarySchema, Reason: "malformed method"}
			}
			rawMethod = v
			sawMethod = true
			payload = payload[n:]
		case num == reqFieldType && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(payload)
			if n < 0 {
				return nil, &ProtocolError{Dialect: DialectBinarySchema, Reason: "malformed type"}
			}
			req.Type = v
			payload = payload[n:]
		case num == reqFieldKey && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(payload)
			if n < 0 {
				return nil, &ProtocolError{Dialect: DialectBinarySchema, Reason: "malformed key"}
			}
			req.Key = v
			payload = payload[n:]
		case num == reqFieldCount && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(payload)
			if n < 0 {
				return nil, &ProtocolError{Dialect: DialectBinarySchema, Reason: "malformed count"}
			}
			req.Count = int64(v)
			payload = payload[n:]
		case num == reqFieldAll && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(payload)
			if n < 0 {
				return nil, &ProtocolError{Dialect: DialectBinarySchema, Reason: "malformed all flag"}
			}
			req.All = v != 0
			payload = payload[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, payload)
			if n < 0 {
				return nil, &ProtocolError{Dialect: DialectBinarySchema, Reason: fmt.Sprintf("malformed unknown field %d", num)}
			}
			payload = payload[n:]
		}
	}
	if !sawMethod {
		return nil, &ProtocolError{Dialect: DialectBinarySchema, Reason: "missing method"}
	}
	req.Method = Method(rawMethod)
	if rawMethod > uint64(MethodReset) {
		return nil, &UnknownMethodError{ID: req.ID, Method: fmt.Sprintf("%d", rawMethod)}
	}
	return req, nil
}

func (binaryCodec) EncodeResponse(resp *Response) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, respFieldID, protowire.VarintType)
	b = protowire.AppendVarint(b, resp.ID)
	switch {
	case resp.Take != nil:
		b = protowire.AppendTag(b, respFieldTake, protowire.BytesType)
		b = protowire.AppendBytes(b, appendTakeBody(nil, resp.Take))
	case resp.Put != nil:
		b = protowire.AppendTag(b, respFieldPut, protowire.BytesType)
		b = protowire.AppendBytes(b, appendPutBody(nil, resp.Put))
	case resp.Status != nil:
		b = protowire.AppendTag(b, respFieldStatus, protowire.BytesType)
		b = protowire.AppendBytes(b, appendStatusBody(nil, resp.Status))
	case resp.Error != nil:
		b = protowire.AppendTag(b, respFieldError, protowire.BytesType)
		b = protowire.AppendBytes(b, appendErrorBody(nil, resp.Error))
	default:
		return nil, fmt.Errorf("wire: encode response %d: no body variant", resp.ID)
	}
	return b, nil
}

func appendTakeBody(b []byte, body *TakeBody) []byte {
	if body.Conformant {
		b = protowire.AppendTag(b, takeFieldConformant, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	b = protowire.AppendTag(b, takeFieldRemaining, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(body.Remaining))
	b = protowire.AppendTag(b, takeFieldLimit, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(body.Limit))
	b = protowire.AppendTag(b, takeFieldReset, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(body.Reset))
	return b
}

func appendPutBody(b []byte, body *PutBody) []byte {
	b = protowire.AppendTag(b, putFieldRemaining, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(body.Remaining))
	b = protowire.AppendTag(b, putFieldLimit, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(body.Limit))
	b = protowire.AppendTag(b, putFieldReset, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(body.Reset))
	return b
}

func appendStatusBody(b []byte, body *StatusBody) []byte {
	keys := make([]string, 0, len(body.Items))
	for k := range body.Items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		item := body.Items[k]
		var ib []byte
		ib = protowire.AppendTag(ib, itemFieldKey, protowire.BytesType)
		ib = protowire.AppendString(ib, k)
		ib = protowire.AppendTag(ib, itemFieldRemaining, protowire.VarintType)
		ib = protowire.AppendVarint(ib, uint64(item.Remaining))
		ib = protowire.AppendTag(ib, itemFieldLimit, protowire.VarintType)
		ib = protowire.AppendVarint(ib, uint64(item.Limit))
		ib = protowire.AppendTag(ib, itemFieldReset, protowire.VarintType)
		ib = protowire.AppendVarint(ib, uint64(item.Reset))
		b = protowire.AppendTag(b, statusFieldItem, protowire.BytesType)
		b = protowire.AppendBytes(b, ib)
	}
	return b
}

func appendErrorBody(b []byte, body *ErrorBody) []byte {
	b = protowire.AppendTag(b, errFieldKind, protowire.BytesType)
	b = protowire.AppendString(b, body.Kind)
	b = protowire.AppendTag(b, errFieldMessage, protowire.BytesType)
	b = protowire.AppendString(b, body.Message)
	return b
}

func (binaryCodec) DecodeResponse(payload []byte) (*Response, error) {
	resp := &Response{}
	for len(payload) > 0 {
		num, typ, n := protowire.ConsumeTag(payload)
		if n < 0 {
			return nil, &ProtocolError{Dialect: DialectBinarySchema, Reason: "malformed field tag"}
		}
		payload = payload[n:]
		if num == respFieldID && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(payload)
			if n < 0 {
				return nil, &ProtocolError{Dialect: DialectBinarySchema, Reason: "malformed id"}
			}
			resp.ID = v
			payload = payload[n:]
			continue
		}
		if typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, payload)
			if n < 0 {
				return nil, &ProtocolError{Dialect: DialectBinarySchema, Reason: fmt.Sprintf("malformed unknown field %d", num)}
			}
			payload = payload[n:]
			continue
		}
		sub, n := protowire.ConsumeBytes(payload)
		if n < 0 {
			return nil, &ProtocolError{Dialect: DialectBinarySchema, Reason: fmt.Sprintf("malformed body field %d", num)}
		}
		payload = payload[n:]
		var err error
		switch num {
		case respFieldTake:
			resp.Take, err = decodeTakeBody(sub)
		case respFieldPut:
			resp.Put, err = decodePutBody(sub)
		case respFieldStatus:
			resp.Status, err = decodeStatusBody(sub)
		case respFieldError:
			resp.Error, err = decodeErrorBody(sub)
		}
		if err != nil {
			return nil, err
		}
	}
	if resp.Take == nil && resp.Put == nil && resp.Status == nil && resp.Error == nil {
		return nil, &ProtocolError{Dialect: DialectBinarySchema, Reason: "response has no body variant"}
	}
	return resp, nil
}

func decodeVarintFields(payload []byte, visit func(num protowire.Number, v uint64), onString func(num protowire.Number, v string)) error {
	for len(payload) > 0 {
		num, typ, n := protowire.ConsumeTag(payload)
		if n < 0 {
			return &ProtocolError{Dialect: DialectBinarySchema, Reason: "malformed body tag"}
		}
		payload = payload[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(payload)
			if n < 0 {
				return &ProtocolError{Dialect: DialectBinarySchema, Reason: "malformed body varint"}
			}
			visit(num, v)
			payload = payload[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeString(payload)
			if n < 0 {
				return &ProtocolError{Dialect: DialectBinarySchema, Reason: "malformed body bytes"}
			}
			if onString != nil {
				onString(num, v)
			}
			payload = payload[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, payload)
			if n < 0 {
				return &ProtocolError{Dialect: DialectBinarySchema, Reason: "malformed body field"}
			}
			payload = payload[n:]
		}
	}
	return nil
}

func decodeTakeBody(payload []byte) (*TakeBody, error) {
	body := &TakeBody{}
	err := decodeVarintFields(payload, func(num protowire.Number, v uint64) {
		switch num {
		case takeFieldConformant:
			body.Conformant = v != 0
		case takeFieldRemaining:
			body.Remaining = int64(v)
		case takeFieldLimit:
			body.Limit = int64(v)
		case takeFieldReset:
			body.Reset = int64(v)
		}
	}, nil)
	return body, err
}

func decodePutBody(payload []byte) (*PutBody, error) {
	body := &PutBody{}
	err := decodeVarintFields(payload, func(num protowire.Number, v uint64) {
		switch num {
		case putFieldRemaining:
			body.Remaining = int64(v)
		case putFieldLimit:
			body.Limit = int64(v)
		case putFieldReset:
			body.Reset = int64(v)
		}
	}, nil)
	return body, err
}

func decodeStatusBody(payload []byte) (*StatusBody, error) {
	body := &StatusBody{Items: make(map[string]StatusItem)}
	for len(payload) > 0 {
		num, typ, n := protowire.ConsumeTag(payload)
		if n < 0 {
			return nil, &ProtocolError{Dialect: DialectBinarySchema, Reason: "malformed status tag"}
		}
		payload = payload[n:]
		if num != statusFieldItem || typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, payload)
			if n < 0 {
				return nil, &ProtocolError{Dialect: DialectBinarySchema, Reason: "malformed status field"}
			}
			payload = payload[n:]
			continue
		}
		sub, n := protowire.ConsumeBytes(payload)
		if n < 0 {
			return nil, &ProtocolError{Dialect: DialectBinarySchema, Reason: "malformed status item"}
		}
		payload = payload[n:]
		var key string
		var item StatusItem
		err := decodeVarintFields(sub, func(num protowire.Number, v uint64) {
			switch num {
			case itemFieldRemaining:
				item.Remaining = int64(v)
			case itemFieldLimit:
				item.Limit = int64(v)
			case itemFieldReset:
				item.Reset = int64(v)
			}
		}, func(num protowire.Number, v string) {
			if num == itemFieldKey {
				key = v
			}
		})
		if err != nil {
			return nil, err
		}
		body.Items[key] = item
	}
	return body, nil
}

func decodeErrorBody(payload []byte) (*ErrorBody, error) {
	body := &ErrorBody{}
	err := decodeVarintFields(payload, func(protowire.Number, uint64) {}, func(num protowire.Number, v string) {
		switch num {
		case errFieldKind:
			body.Kind = v
		case errFieldMessage:
			body.Message = v
		}
	})
	return body, err
}
