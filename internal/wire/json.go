package wire

import (
	"encoding/json"
	"fmt"
	"strings"
)

// jsonCodec implements the tagged-json dialect. Payloads are
// {"request_id":N,"body":{"<TypeTag>":{...}}} with a single-key body
// wrapper naming the variant, e.g. "limitd.TakeRequest" or
// "limitd.StatusBody".
type jsonCodec struct{}

func (jsonCodec) Name() string { return DialectTaggedJSON }

const (
	tagTakeRequest   = "limitd.TakeRequest"
	tagPutRequest    = "limitd.PutRequest"
	tagWaitRequest   = "limitd.WaitRequest"
	tagStatusRequest = "limitd.StatusRequest"
	tagResetRequest  = "limitd.ResetRequest"

	tagTakeBody   = "limitd.TakeBody"
	tagPutBody    = "limitd.PutBody"
	tagStatusBody = "limitd.StatusBody"
	tagErrorBody  = "limitd.ErrorBody"
)

var methodTags = map[Method]string{
	MethodTake:   tagTakeRequest,
	MethodPut:    tagPutRequest,
	MethodWait:   tagWaitRequest,
	MethodStatus: tagStatusRequest,
	MethodReset:  tagResetRequest,
}

var tagMethods = map[string]Method{
	tagTakeRequest:   MethodTake,
	tagPutRequest:    MethodPut,
	tagWaitRequest:   MethodWait,
	tagStatusRequest: MethodStatus,
	tagResetRequest:  MethodReset,
}

type jsonEnvelope struct {
	RequestID uint64                     `json:"request_id"`
	Body      map[string]json.RawMessage `json:"body"`
}

type jsonRequestBody struct {
	Type  string `json:"type"`
	Key   string `json:"key"`
	Count int64  `json:"count"`
	All   bool   `json:"all,omitempty"`
}

type jsonTakeBody struct {
	Conformant bool  `json:"conformant"`
	Remaining  int64 `json:"remaining"`
	Limit      int64 `json:"limit"`
	Reset      int64 `json:"reset"`
}

type jsonPutBody struct {
	Remaining int64 `json:"remaining"`
	Limit     int64 `json:"limit"`
	Reset     int64 `json:"reset"`
}

type jsonStatusItem struct {
	Remaining int64 `json:"remaining"`
	Limit     int64 `json:"limit"`
	Reset     int64 `json:"reset"`
}

type jsonStatusBody struct {
	Items map[string]jsonStatusItem `json:"items"`
}

type jsonErrorBody struct {
	Kind    string `json:"type"`
	Message string `json:"message"`
}

func (jsonCodec) EncodeRequest(req *Request) ([]byte, error) {
	tag, ok := methodTags[req.Method]
	if !ok {
		return nil, fmt.Errorf("wire: encode request: invalid method %d", req.Method)
	}
	body, err := json.Marshal(jsonRequestBody{Type: req.Type, Key: req.Key, Count: req.Count, All: req.All})
	if err != nil {
		return nil, fmt.Errorf("wire: encode request body: %w", err)
	}
	return json.Marshal(jsonEnvelope{RequestID: req.ID, Body: map[string]json.RawMessage{tag: body}})
}

func (jsonCodec) DecodeRequest(payload []byte) (*Request, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, &ProtocolError{Dialect: DialectTaggedJSON, Reason: "malformed envelope: " + err.Error()}
	}
	if len(env.Body) != 1 {
		return nil, &ProtocolError{Dialect: DialectTaggedJSON, Reason: fmt.Sprintf("body must carry exactly one tag, got %d", len(env.Body))}
	}
	var tag string
	var raw json.RawMessage
	for k, v := range env.Body {
		tag, raw = k, v
	}
	method, ok := tagMethods[tag]
	if !ok {
		// A tag shaped like a limitd request names a method this server
		// does not know; anything else is schema garbage.
		if strings.HasPrefix(tag, "limitd.") && strings.HasSuffix(tag, "Request") {
			return nil, &UnknownMethodError{ID: env.RequestID, Method: tag}
		}
		return nil, &ProtocolError{Dialect: DialectTaggedJSON, Reason: fmt.Sprintf("unrecognized body tag %q", tag)}
	}
	body := jsonRequestBody{Count: 1}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, &ProtocolError{Dialect: DialectTaggedJSON, Reason: "malformed request body: " + err.Error()}
	}
	return &Request{ID: env.RequestID, Method: method, Type: body.Type, Key: body.Key, Count: body.Count, All: body.All}, nil
}

func (jsonCodec) EncodeResponse(resp *Response) ([]byte, error) {
	var tag string
	var body any
	switch {
	case resp.Take != nil:
		tag = tagTakeBody
		body = jsonTakeBody{Conformant: resp.Take.Conformant, Remaining: resp.Take.Remaining, Limit: resp.Take.Limit, Reset: resp.Take.Reset}
	case resp.Put != nil:
		tag = tagPutBody
		body = jsonPutBody{Remaining: resp.Put.Remaining, Limit: resp.Put.Limit, Reset: resp.Put.Reset}
	case resp.Status != nil:
		tag = tagStatusBody
		items := make(map[string]jsonStatusItem, len(resp.Status.Items))
		for k, v := range resp.Status.Items {
			items[k] = jsonStatusItem{Remaining: v.Remaining, Limit: v.Limit, Reset: v.Reset}
		}
		body = jsonStatusBody{Items: items}
	case resp.Error != nil:
		tag = tagErrorBody
		body = jsonErrorBody{Kind: resp.Error.Kind, Message: resp.Error.Message}
	default:
		return nil, fmt.Errorf("wire: encode response %d: no body variant", resp.ID)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("wire: encode response body: %w", err)
	}
	return json.Marshal(jsonEnvelope{RequestID: resp.ID, Body: map[string]json.RawMessage{tag: raw}})
}

func (jsonCodec) DecodeResponse(payload []byte) (*Response, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, &ProtocolError{Dialect: DialectTaggedJSON, Reason: "malformed envelope: " + err.Error()}
	}
	if len(env.Body) != 1 {
		return nil, &ProtocolError{Dialect: DialectTaggedJSON, Reason: fmt.Sprintf("body must carry exactly one tag, got %d", len(env.Body))}
	}
	resp := &Response{ID: env.RequestID}
	for tag, raw := range env.Body {
		switch tag {
		case tagTakeBody:
			var body jsonTakeBody
			if err := json.Unmarshal(raw, &body); err != nil {
				return nil, &ProtocolError{Dialect: DialectTaggedJSON, Reason: "malformed take body: " + err.Error()}
			}
			resp.Take = &TakeBody{Conformant: body.Conformant, Remaining: body.Remaining, Limit: body.Limit, Reset: body.Reset}
		case tagPutBody:
			var body jsonPutBody
			if err := json.Unmarshal(raw, &body); err != nil {
				return nil, &ProtocolError{Dialect: DialectTaggedJSON, Reason: "malformed put body: " + err.Error()}
			}
			resp.Put = &PutBody{Remaining: body.Remaining, Limit: body.Limit, Reset: body.Reset}
		case tagStatusBody:
			var body jsonStatusBody
			if err := json.Unmarshal(raw, &body); err != nil {
				return nil, &ProtocolError{Dialect: DialectTaggedJSON, Reason: "malformed status body: " + err.Error()}
			}
			items := make(map[string]StatusItem, len(body.Items))
			for k, v := range body.Items {
				items[k] = StatusItem{Remaining: v.Remaining, Limit: v.Limit, Reset: v.Reset}
			}
			resp.Status = &StatusBody{Items: items}
		case tagErrorBody:
			var body jsonErrorBody
			if err := json.Unmarshal(raw, &body); err != nil {
				return nil, &ProtocolError{Dialect: DialectTaggedJSON, Reason: "malformed error body: " + err.Error()}
			}
			resp.Error = &ErrorBody{Kind: body.Kind, Message: body.Message}
		default:
			return nil, &ProtocolError{Dialect: DialectTaggedJSON, Reason: fmt.Sprintf("unrecognized body tag %q", tag)}
		}
	}
	return resp, nil
}
