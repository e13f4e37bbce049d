package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// ErrDecode marks inbound messages that could not be parsed.
var ErrDecode = errors.New("protocol: malformed message")

// FrameOptions carries the per-connection values that are not business
// parameters but still ride along on every frame.
type FrameOptions struct {
	AppID    string
	Format   string
	Encoding string
}

// Encode builds the wire form of one outbound frame. payload is the base64
// audio for continue frames and is ignored for start and end frames.
func Encode(kind FrameKind, opts FrameOptions, params BusinessParams, payload string) ([]byte, error) {
	req, err := BuildRequest(kind, opts, params, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(req)
}

// BuildRequest returns the frame Encode would serialize.
func BuildRequest(kind FrameKind, opts FrameOptions, params BusinessParams, payload string) (Request, error) {
	if kind < FrameStart || kind > FrameEnd {
		return Request{}, fmt.Errorf("protocol: unknown frame kind %d", int(kind))
	}
	encoding := opts.Encoding
	if encoding == "" {
		encoding = DefaultEncoding
	}
	data := &Data{
		Status:   int(kind),
		Format:   opts.Format,
		Encoding: encoding,
	}
	switch kind {
	case FrameContinue:
		audio := payload
		data.Audio = &audio
	case FrameEnd:
		empty := ""
		data.Audio = &empty
	}
	return Request{
		Common:   &Common{AppID: opts.AppID},
		Business: buildBusiness(params),
		Data:     data,
	}, nil
}

func buildBusiness(params BusinessParams) *Business {
	b := &Business{
		Language:  params.Language,
		Domain:    params.Domain,
		Accent:    params.Accent,
		VADEOS:    params.VADEOSMS,
		DWA:       DynamicCorrection,
		PD:        ProductDomain,
		RLang:     ResultLanguage,
		VInfo:     1,
		NUNum:     1,
		SpeexSize: SpeexSize,
		NBest:     NBest,
		WBest:     WBest,
	}
	b.Punctuation = strconv.FormatBool(params.Punctuation)
	if params.Punctuation {
		b.PTT = 1
	}
	if words := joinHotWords(params.HotWords); words != "" {
		b.HotWords = words
	}
	return b
}

func joinHotWords(words []string) string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		if w = strings.TrimSpace(w); w != "" {
			out = append(out, w)
		}
	}
	return strings.Join(out, ",")
}

// Decode parses one inbound message. The returned error wraps ErrDecode.
func Decode(raw []byte) (Response, error) {
	var resp Response
	if len(raw) == 0 {
		return resp, fmt.Errorf("%w: empty message", ErrDecode)
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return resp, nil
}

// DecodeRequest parses an outbound frame. It is the server side of Encode.
func DecodeRequest(raw []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if req.Data == nil {
		return Request{}, fmt.Errorf("%w: missing data block", ErrDecode)
	}
	return req, nil
}

// EncodeResponse serializes a response. It is used by server stubs.
func EncodeResponse(resp Response) ([]byte, error) {
	return json.Marshal(resp)
}

// Failed reports whether the server rejected the request.
func (r Response) Failed() bool {
	return r.Code != 0
}

// Fragment extracts the recognized text. ok is false when the message
// carries no result payload or the server reported an error.
func (r Response) Fragment() (Fragment, bool) {
	if r.Failed() || r.Data == nil || r.Data.Result == nil {
		return Fragment{}, false
	}
	res := r.Data.Result
	return Fragment{
		Text:        Text(res),
		EndOfSpeech: res.LS,
		Sequence:    res.SN,
	}, true
}

// Text concatenates every candidate word of every word group in order.
func Text(res *Result) string {
	if res == nil {
		return ""
	}
	var sb strings.Builder
	for _, group := range res.WS {
		for _, cw := range group.CW {
			sb.WriteString(cw.W)
		}
	}
	return sb.String()
}
