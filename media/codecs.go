package media

// Codec is one entry of the router's codec capability list.
type Codec struct {
	Kind      Kind           `json:"kind"`
	MimeType  string         `json:"mimeType"`
	ClockRate int            `json:"clockRate"`
	Channels  int            `json:"channels,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// The codec presets clients may select via configuration. Names are matched
// case-insensitively by SelectCodecs.
var (
	codecOpus = Codec{Kind: KindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2}
	codecVP8  = Codec{Kind: KindVideo, MimeType: "video/VP8", ClockRate: 90000}
	codecVP9  = Codec{Kind: KindVideo, MimeType: "video/VP9", ClockRate: 90000}
	codecH264 = Codec{Kind: KindVideo, MimeType: "video/H264", ClockRate: 90000,
		Parameters: map[string]any{
			"packetization-mode":      1,
			"profile-level-id":        "42e01f",
			"level-asymmetry-allowed": 1,
		}}

	audioCodecsByName = map[string]Codec{
		"opus": codecOpus,
	}
	videoCodecsByName = map[string]Codec{
		"vp8":  codecVP8,
		"vp9":  codecVP9,
		"h264": codecH264,
	}
)

// DefaultAudioCodecs returns every known audio codec.
func DefaultAudioCodecs() []Codec {
	return []Codec{codecOpus}
}

// DefaultVideoCodecs returns every known video codec.
func DefaultVideoCodecs() []Codec {
	return []Codec{codecVP8, codecVP9, codecH264}
}

// SelectCodecs resolves configured codec names to presets, audio first.
// Empty name lists select every known codec of that kind; unknown names are
// skipped.
func SelectCodecs(audio []string, video []string) []Codec {
	out := make([]Codec, 0, 4)
	out = append(out, pick(audio, audioCodecsByName, DefaultAudioCodecs())...)
	out = append(out, pick(video, videoCodecsByName, DefaultVideoCodecs())...)
	return out
}

func pick(names []string, byName map[string]Codec, all []Codec) []Codec {
	if len(names) == 0 {
		return all
	}
	out := make([]Codec, 0, len(names))
	for _, n := range names {
		if c, ok := byName[lower(n)]; ok {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return all
	}
	return out
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
