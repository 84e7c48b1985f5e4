package protocol

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// JSONCodec implements the tagged-json dialect:
// {"request_id": ..., "body": {"<Tag>": {...}}}, using json-iterator/go as a
// drop-in for encoding/json.
type JSONCodec struct{}

type jsonRequest struct {
	RequestID uint64          `json:"request_id"`
	Body      jsonRequestBody `json:"body"`
}

type jsonRequestBody struct {
	Take   *jsonTakeReq   `json:"limitd.TakeRequest,omitempty"`
	Put    *jsonPutReq    `json:"limitd.PutRequest,omitempty"`
	Wait   *jsonTakeReq   `json:"limitd.WaitRequest,omitempty"`
	Status *jsonStatusReq `json:"limitd.StatusRequest,omitempty"`
	Reset  *jsonResetReq  `json:"limitd.ResetRequest,omitempty"`
}

type jsonTakeReq struct {
	Type  string `json:"type"`
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

type jsonPutReq struct {
	Type  string `json:"type"`
	Key   string `json:"key"`
	Count int64  `json:"count"`
	All   bool   `json:"all"`
}

type jsonStatusReq struct {
	Type string `json:"type"`
	Key  string `json:"key"`
}

type jsonResetReq struct {
	Type string `json:"type"`
	Key  string `json:"key"`
	All  bool   `json:"all"`
}

// EncodeRequest renders req as the tagged-json envelope.
func (JSONCodec) EncodeRequest(req *Request) ([]byte, error) {
	var body jsonRequestBody
	switch req.Method {
	case MethodTake:
		body.Take = &jsonTakeReq{Type: req.Type, Key: req.Key, Count: req.Count}
	case MethodPut:
		body.Put = &jsonPutReq{Type: req.Type, Key: req.Key, Count: req.Count, All: req.All}
	case MethodWait:
		body.Wait = &jsonTakeReq{Type: req.Type, Key: req.Key, Count: req.Count}
	case MethodStatus:
		body.Status = &jsonStatusReq{Type: req.Type, Key: req.Key}
	case MethodReset:
		body.Reset = &jsonResetReq{Type: req.Type, Key: req.Key, All: req.All}
	default:
		return nil, fmt.Errorf("protocol: unknown method %v", req.Method)
	}
	return jsonAPI.Marshal(jsonRequest{RequestID: req.ID, Body: body})
}

// DecodeRequest parses the tagged-json envelope into a Request.
func (JSONCodec) DecodeRequest(payload []byte) (*Request, error) {
	var jr jsonRequest
	if err := jsonAPI.Unmarshal(payload, &jr); err != nil {
		return nil, fmt.Errorf("protocol: tagged-json decode: %w", err)
	}

	switch {
	case jr.Body.Take != nil:
		t := jr.Body.Take
		return &Request{ID: jr.RequestID, Method: MethodTake, Type: t.Type, Key: t.Key, Count: defaultCount(t.Count)}, nil
	case jr.Body.Put != nil:
		p := jr.Body.Put
		return &Request{ID: jr.RequestID, Method: MethodPut, Type: p.Type, Key: p.Key, Count: defaultCount(p.Count), All: p.All}, nil
	case jr.Body.Wait != nil:
		w := jr.Body.Wait
		return &Request{ID: jr.RequestID, Method: MethodWait, Type: w.Type, Key: w.Key, Count: defaultCount(w.Count)}, nil
	case jr.Body.Status != nil:
		s := jr.Body.Status
		return &Request{ID: jr.RequestID, Method: MethodStatus, Type: s.Type, Key: s.Key}, nil
	case jr.Body.Reset != nil:
		r := jr.Body.Reset
		return &Request{ID: jr.RequestID, Method: MethodReset, Type: r.Type, Key: r.Key, All: r.All}, nil
	default:
		// An unrecognized body tag is not a decode failure: the envelope
		// parsed and the id was recovered, so hand the handler a request
		// with an unknown method and let it answer UNKNOWN_METHOD on the
		// still-open connection, the same disposition the binary dialect
		// gives an unrecognized method byte.
		return &Request{ID: jr.RequestID, Method: Method(255)}, nil
	}
}

func defaultCount(c int64) int64 {
	if c == 0 {
		return 1
	}
	return c
}

type jsonResponse struct {
	RequestID uint64           `json:"request_id"`
	Body      jsonResponseBody `json:"body"`
}

type jsonResponseBody struct {
	Take   *jsonTakeResp   `json:"limitd.TakeResponse,omitempty"`
	Put    *jsonPutResp    `json:"limitd.PutResponse,omitempty"`
	Status *jsonStatusResp `json:"limitd.StatusResponse,omitempty"`
	Error  *jsonErrorResp  `json:"limitd.ErrorResponse,omitempty"`
}

type jsonTakeResp struct {
	Conformant bool    `json:"conformant"`
	Remaining  float64 `json:"remaining"`
	Limit      int64   `json:"limit"`
	Reset      int64   `json:"reset"`
}

type jsonPutResp struct {
	Remaining float64 `json:"remaining"`
	Limit     int64   `json:"limit"`
	Reset     int64   `json:"reset"`
}

type jsonStatusItem struct {
	Remaining float64 `json:"remaining"`
	Limit     int64   `json:"limit"`
	Reset     int64   `json:"reset"`
}

type jsonStatusResp struct {
	Items map[string]jsonStatusItem `json:"items"`
}

type jsonErrorResp struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// EncodeResponse renders resp as the tagged-json envelope, naming the body
// variant with a single key (e.g. "limitd.StatusResponse").
func (JSONCodec) EncodeResponse(resp *Response) ([]byte, error) {
	var body jsonResponseBody
	switch b := resp.Body.(type) {
	case TakeBody:
		body.Take = &jsonTakeResp{Conformant: b.Conformant, Remaining: b.Remaining, Limit: b.Limit, Reset: b.Reset}
	case PutBody:
		body.Put = &jsonPutResp{Remaining: b.Remaining, Limit: b.Limit, Reset: b.Reset}
	case StatusBody:
		items := make(map[string]jsonStatusItem, len(b.Items))
		for k, v := range b.Items {
			items[k] = jsonStatusItem{Remaining: v.Remaining, Limit: v.Limit, Reset: v.Reset}
		}
		body.Status = &jsonStatusResp{Items: items}
	case ErrorBody:
		body.Error = &jsonErrorResp{Type: b.Kind, Message: b.Message}
	default:
		return nil, fmt.Errorf("protocol: unknown response body type %T", resp.Body)
	}
	return jsonAPI.Marshal(jsonResponse{RequestID: resp.ID, Body: body})
}

// DecodeResponse parses the tagged-json envelope into a Response.
func (JSONCodec) DecodeResponse(payload []byte) (*Response, error) {
	var jr jsonResponse
	if err := jsonAPI.Unmarshal(payload, &jr); err != nil {
		return nil, fmt.Errorf("protocol: tagged-json decode: %w", err)
	}

	switch {
	case jr.Body.Take != nil:
		t := jr.Body.Take
		return &Response{ID: jr.RequestID, Body: TakeBody{Conformant: t.Conformant, Remaining: t.Remaining, Limit: t.Limit, Reset: t.Reset}}, nil
	case jr.Body.Put != nil:
		p := jr.Body.Put
		return &Response{ID: jr.RequestID, Body: PutBody{Remaining: p.Remaining, Limit: p.Limit, Reset: p.Reset}}, nil
	case jr.Body.Status != nil:
		items := make(map[string]StatusItem, len(jr.Body.Status.Items))
		for k, v := range jr.Body.Status.Items {
			items[k] = StatusItem{Remaining: v.Remaining, Limit: v.Limit, Reset: v.Reset}
		}
		return &Response{ID: jr.RequestID, Body: StatusBody{Items: items}}, nil
	case jr.Body.Error != nil:
		e := jr.Body.Error
		return &Response{ID: jr.RequestID, Body: ErrorBody{Kind: e.Type, Message: e.Message}}, nil
	default:
		return &Response{ID: jr.RequestID}, fmt.Errorf("protocol: no recognized response body tag")
	}
}
