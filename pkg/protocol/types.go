package protocol

// FrameKind tags an outbound frame. The values are the wire status codes.
type FrameKind int

const (
	FrameStart    FrameKind = 0
	FrameContinue FrameKind = 1
	FrameEnd      FrameKind = 2
)

func (k FrameKind) String() string {
	switch k {
	case FrameStart:
		return "start"
	case FrameContinue:
		return "continue"
	case FrameEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Business parameter constants sent on every frame.
const (
	DynamicCorrection = "wpgs"
	ProductDomain     = "speech"
	ResultLanguage    = "zh-cn"
	SpeexSize         = 70
	NBest             = 1
	WBest             = 5

	DefaultEncoding = "raw"
)

// BusinessParams is the per-session recognition configuration repeated on
// every outbound frame. Punctuation is sent both as ptt and as the
// "true"/"false" punctuation flag.
type BusinessParams struct {
	Language    string
	Domain      string
	Accent      string
	VADEOSMS    int
	HotWords    []string
	Punctuation bool
}

// Request is the outbound wire frame.
type Request struct {
	Common   *Common   `json:"common,omitempty"`
	Business *Business `json:"business,omitempty"`
	Data     *Data     `json:"data,omitempty"`
}

type Common struct {
	AppID string `json:"app_id"`
}

type Business struct {
	Language  string `json:"language,omitempty"`
	Domain    string `json:"domain,omitempty"`
	Accent    string `json:"accent,omitempty"`
	VADEOS    int    `json:"vad_eos,omitempty"`
	DWA       string `json:"dwa,omitempty"`
	PD        string `json:"pd,omitempty"`
	PTT       int    `json:"ptt"`
	RLang     string `json:"rlang,omitempty"`
	VInfo     int    `json:"vinfo"`
	NUNum     int    `json:"nunum"`
	SpeexSize int    `json:"speex_size,omitempty"`
	NBest     int    `json:"nbest,omitempty"`
	WBest     int    `json:"wbest,omitempty"`
	HotWords  string `json:"hotwords,omitempty"`
	// Punctuation mirrors PTT as "true" or "false".
	Punctuation string `json:"punctuation,omitempty"`
}

// Data carries the frame status and audio. Audio is absent on start frames
// and an empty string on end frames.
type Data struct {
	Status   int     `json:"status"`
	Format   string  `json:"format"`
	Encoding string  `json:"encoding"`
	Audio    *string `json:"audio,omitempty"`
}

// Response is the inbound wire message.
type Response struct {
	Code    int           `json:"code"`
	Message string        `json:"message"`
	SID     string        `json:"sid,omitempty"`
	Data    *ResponseData `json:"data,omitempty"`
}

type ResponseData struct {
	Result *Result `json:"result,omitempty"`
	Status int     `json:"status"`
}

// Result is a recognition fragment: ordered word groups plus utterance markers.
type Result struct {
	WS []WordGroup `json:"ws"`
	SN int         `json:"sn"`
	LS bool        `json:"ls"`
	BG int         `json:"bg"`
	ED int         `json:"ed"`
}

type WordGroup struct {
	BG int         `json:"bg"`
	CW []Candidate `json:"cw"`
}

type Candidate struct {
	W  string  `json:"w"`
	SC float64 `json:"sc"`
}

// Fragment is the decoded text of one result message.
type Fragment struct {
	Text        string
	EndOfSpeech bool
	Sequence    int
}
