package media

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Kind is the broad media family of an input.
type Kind int

const (
	KindUnknown Kind = iota
	KindImage
	KindVideo
)

// String returns the string representation of the Kind.
func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindVideo:
		return "video"
	default:
		return "unknown"
	}
}

// MarshalText encodes the Kind as its name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a name written by MarshalText.
func (k *Kind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "image":
		*k = KindImage
	case "video":
		*k = KindVideo
	default:
		*k = KindUnknown
	}
	return nil
}

var (
	imageExtensions = map[string]Format{
		".jpg":  FormatJPEG,
		".jpeg": FormatJPEG,
		".png":  FormatPNG,
		".gif":  FormatGIF,
		".tif":  FormatJPEG,
		".tiff": FormatJPEG,
		".bmp":  FormatPNG,
	}
	videoExtensions = map[string]Format{
		".mp4":  FormatMP4,
		".m4v":  FormatMP4,
		".mov":  FormatMP4,
		".mkv":  FormatMP4,
		".avi":  FormatMP4,
		".mpg":  FormatMP4,
		".mpeg": FormatMP4,
		".webm": FormatWebM,
	}
)

// DetectKind classifies a path by its extension.
func DetectKind(path string) Kind {
	ext := strings.ToLower(filepath.Ext(path))
	if _, ok := imageExtensions[ext]; ok {
		return KindImage
	}
	if _, ok := videoExtensions[ext]; ok {
		return KindVideo
	}
	return KindUnknown
}

// DefaultFormat returns the output format used when the caller does not ask
// for one: the input's own format when it can be written, JPEG or MP4 otherwise.
func DefaultFormat(path string) Format {
	ext := strings.ToLower(filepath.Ext(path))
	if f, ok := imageExtensions[ext]; ok {
		return f
	}
	if f, ok := videoExtensions[ext]; ok {
		return f
	}
	return FormatJPEG
}

// SupportedExtensions lists every extension DetectKind recognises.
func SupportedExtensions() []string {
	exts := make([]string, 0, len(imageExtensions)+len(videoExtensions))
	for ext := range imageExtensions {
		exts = append(exts, ext)
	}
	for ext := range videoExtensions {
		exts = append(exts, ext)
	}
	return exts
}

// Format is an encoder output container or image format.
type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
	FormatGIF  Format = "gif"
	FormatMP4  Format = "mp4"
	FormatWebM Format = "webm"
)

// ParseFormat accepts a format name or common alias. The empty string yields
// the empty Format, meaning "derive from input".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), ".")) {
	case "":
		return "", nil
	case "jpg", "jpeg":
		return FormatJPEG, nil
	case "png":
		return FormatPNG, nil
	case "gif":
		return FormatGIF, nil
	case "mp4", "m4v", "mov":
		return FormatMP4, nil
	case "webm":
		return FormatWebM, nil
	default:
		return "", fmt.Errorf("%w: unknown format %q", ErrInvalidRequest, s)
	}
}

// Kind reports which media family the format belongs to.
func (f Format) Kind() Kind {
	switch f {
	case FormatJPEG, FormatPNG, FormatGIF:
		return KindImage
	case FormatMP4, FormatWebM:
		return KindVideo
	default:
		return KindUnknown
	}
}

// Extension returns the file extension, dot included.
func (f Format) Extension() string {
	switch f {
	case FormatJPEG:
		return ".jpg"
	case "":
		return ""
	default:
		return "." + string(f)
	}
}

// Lossy reports whether a quality value changes the encoded size.
func (f Format) Lossy() bool {
	return f == FormatJPEG || f == FormatGIF || f.Kind() == KindVideo
}

// Codec is a video codec family.
type Codec string

const (
	CodecH264 Codec = "h264"
	CodecH265 Codec = "h265"
	CodecVP9  Codec = "vp9"
)

// ParseCodec accepts a codec family name or common alias.
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return "", nil
	case "h264", "avc", "x264", "libx264":
		return CodecH264, nil
	case "h265", "hevc", "x265", "libx265":
		return CodecH265, nil
	case "vp9", "libvpx-vp9":
		return CodecVP9, nil
	default:
		return "", fmt.Errorf("%w: unknown codec %q", ErrInvalidRequest, s)
	}
}

// Policy is the rule used to choose among successful trials.
type Policy string

const (
	PolicyAuto    Policy = "auto"
	PolicySize    Policy = "size"
	PolicyQuality Policy = "quality"
	PolicySpeed   Policy = "speed"
)

// ParsePolicy validates a selection policy name; empty means auto.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyAuto, nil
	case PolicyAuto, PolicySize, PolicyQuality, PolicySpeed:
		return p, nil
	default:
		return "", fmt.Errorf("%w: unknown selection policy %q", ErrInvalidRequest, s)
	}
}

// Input references the bytes to compress: a file on disk, or an in-memory
// fragment of a larger image.
type Input struct {
	Path          string
	Data          []byte
	Size          int64
	FragmentIndex int
	FragmentTotal int
}

// IsFragment reports whether the input is a sub-region buffer.
func (in Input) IsFragment() bool {
	return in.FragmentTotal > 0
}

// Name identifies the input in logs, errors and results.
func (in Input) Name() string {
	if in.IsFragment() {
		return fmt.Sprintf("%s#%d/%d", in.Path, in.FragmentIndex+1, in.FragmentTotal)
	}
	return in.Path
}

// Request describes one unit of compression work. It is treated as immutable
// once handed to a worker.
type Request struct {
	ID                     string
	Input                  Input
	Kind                   Kind
	Quality                int
	TargetBytes            int64
	Format                 Format
	Codec                  Codec
	Width                  int
	Height                 int
	Policy                 Policy
	SpeedOptimized         bool
	SkipExtraOptimizations bool
	OutputDir              string
	// OutputName is the output file stem. Empty means the input's base name.
	OutputName string
}

// HasTarget reports whether a byte budget was requested.
func (r Request) HasTarget() bool {
	return r.TargetBytes > 0
}

// OutputFormat returns the explicit format or the input-derived default.
func (r Request) OutputFormat() Format {
	if r.Format != "" {
		return r.Format
	}
	return DefaultFormat(r.Input.Path)
}

// Strategy is a fully specified encoder parameter set. It carries no behavior.
type Strategy struct {
	Name        string  `json:"name"`
	Format      Format  `json:"format"`
	Quality     int     `json:"quality,omitempty"`
	CRF         int     `json:"crf,omitempty"`
	BitrateKbps int     `json:"bitrate_kbps,omitempty"`
	Scale       float64 `json:"scale"`
	Preset      string  `json:"preset,omitempty"`
	Codec       Codec   `json:"codec,omitempty"`
	Width       int     `json:"width,omitempty"`
	Height      int     `json:"height,omitempty"`
}

// Metadata describes the produced media.
type Metadata struct {
	Width       int           `json:"width,omitempty"`
	Height      int           `json:"height,omitempty"`
	Format      Format        `json:"format,omitempty"`
	Codec       Codec         `json:"codec,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	Orientation int           `json:"orientation,omitempty"`
}

// Action records what happened to a file.
type Action string

const (
	ActionCompressed Action = "compressed"
	ActionOriginal   Action = "original"
)

// Mode records which search path produced the result.
type Mode string

const (
	ModeQuality    Mode = "quality"
	ModeStandard   Mode = "standard"
	ModeExtreme    Mode = "extreme"
	ModeBestEffort Mode = "best-effort"
)

// Result is the terminal per-file record. Ownership passes to the caller.
type Result struct {
	Input            string        `json:"input"`
	Kind             Kind          `json:"kind"`
	OutputPath       string        `json:"output_path"`
	OriginalSize     int64         `json:"original_size"`
	CompressedSize   int64         `json:"compressed_size"`
	ReductionPercent float64       `json:"reduction_percent"`
	Action           Action        `json:"action"`
	Mode             Mode          `json:"mode"`
	Strategy         Strategy      `json:"strategy"`
	Trials           int           `json:"trials"`
	Warning          string        `json:"warning,omitempty"`
	Metadata         Metadata      `json:"metadata"`
	FragmentIndex    int           `json:"fragment_index,omitempty"`
	FragmentTotal    int           `json:"fragment_total,omitempty"`
	Elapsed          time.Duration `json:"elapsed"`
}

// Reduction returns the number of bytes saved.
func (r Result) Reduction() int64 {
	return r.OriginalSize - r.CompressedSize
}

// ReductionPercent computes the saved share of original in percent.
func ReductionPercent(original, compressed int64) float64 {
	if original <= 0 {
		return 0
	}
	return float64(original-compressed) * 100 / float64(original)
}
