// Package sources defines the Source Driver boundary: how a configured URL is
// mapped to a portal, and the session contract the download core drives.
package sources

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/ofdreport/ReportAgent/pkg/types"
	"github.com/pkg/errors"
)

var (
	// ErrUnsupportedSource is returned for URLs that match no known portal.
	ErrUnsupportedSource = errors.New("unsupported source")
	// ErrSessionInvalid means the session itself is unusable (for example the
	// portal dropped the authentication mid-flight). It is fatal for a batch.
	ErrSessionInvalid = errors.New("source session is no longer valid")
)

// Kind identifies a portal.
type Kind string

const (
	KindOFDRu    Kind = "ofd-ru"
	KindFirstOFD Kind = "first-ofd"
	KindSigma    Kind = "atol-sigma"
	KindKassatka Kind = "kassatka"
)

// Mode says how a portal hands its data over.
type Mode int

const (
	// ModeExport triggers a server-side spreadsheet export (a download).
	ModeExport Mode = iota
	// ModeDirect returns structured data in-page; the driver materialises it.
	ModeDirect
	// ModeDisabled acknowledges the request without fetching anything.
	ModeDisabled
)

func (m Mode) String() string {
	switch m {
	case ModeExport:
		return "export"
	case ModeDirect:
		return "direct"
	case ModeDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Source is one row of the signature table.
type Source struct {
	Kind    Kind
	Name    string
	Pattern string
	Mode    Mode
}

// signatures is matched in order by substring.
var signatures = []Source{
	{Kind: KindOFDRu, Name: "OFD.ru", Pattern: "pk.ofd.ru/api/", Mode: ModeExport},
	{Kind: KindFirstOFD, Name: `"Первый ОФД"`, Pattern: "org.1-ofd.ru/api/", Mode: ModeExport},
	{Kind: KindSigma, Name: "АТОЛ Sigma", Pattern: "sigma", Mode: ModeDirect},
	{Kind: KindKassatka, Name: "Кассатка", Pattern: "kassatka", Mode: ModeDisabled},
}

// Signatures returns a copy of the signature table.
func Signatures() []Source {
	out := make([]Source, len(signatures))
	copy(out, signatures)
	return out
}

// Classify maps a URL to its portal.
func Classify(url string) (Source, error) {
	trimmed := strings.TrimSpace(url)
	if trimmed != "" {
		for _, s := range signatures {
			if strings.Contains(trimmed, s.Pattern) {
				return s, nil
			}
		}
	}
	return Source{}, errors.Wrapf(ErrUnsupportedSource, "%s", trimmed)
}

// Request is one fetch against a source.
type Request struct {
	URL    string
	Range  types.DateRange
	Filter types.FilterKind
}

// DeliveryKind tells the caller what to expect after a successful Dispatch.
type DeliveryKind int

const (
	// DeliveryFile means a spreadsheet will land in the download directory.
	DeliveryFile DeliveryKind = iota
	// DeliveryNone means the source acknowledged without producing a file.
	DeliveryNone
)

// Delivery is the result of a successful Dispatch. File is the base name the
// session saved (or will save) in the download directory; it is empty when
// the driver cannot know the name up front, and then the caller falls back
// to the first unexpected new spreadsheet.
type Delivery struct {
	Kind DeliveryKind
	File string
}

// Acknowledged is the Delivery of a source that produces no file.
func Acknowledged() Delivery {
	return Delivery{Kind: DeliveryNone}
}

// SavedFile is the Delivery of a file stored under name. An empty name
// leaves the caller to spot the file itself.
func SavedFile(name string) Delivery {
	if name == "" {
		return Delivery{Kind: DeliveryFile}
	}
	return Delivery{Kind: DeliveryFile, File: filepath.Base(name)}
}

// Driver is one stateful session against one portal.
type Driver interface {
	// Dispatch triggers the export (or in-page extraction) for req. It must
	// honour ctx cancellation and deadlines.
	Dispatch(ctx context.Context, req Request) (Delivery, error)
	// Close releases the session. It must be safe to call more than once.
	Close() error
}

// Factory opens a fresh, independent session for a source.
type Factory interface {
	NewDriver(ctx context.Context, src Source) (Driver, error)
}

// IsSessionInvalid reports whether err marks a dead session.
func IsSessionInvalid(err error) bool {
	return errors.Is(err, ErrSessionInvalid)
}
