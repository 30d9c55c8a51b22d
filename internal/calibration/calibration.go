// Package calibration captures, stores and reloads empty-space reference
// sweeps. The on-disk format is plain text and must stay readable by older
// deployments:
//
//	start <float>
//	length <float>
//	n <count>
//	<s0> <s1> ... <sn-1>
package calibration

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/teslashibe/go-parking/internal/envelope"
	"github.com/teslashibe/go-parking/internal/radar"
)

// DefaultFile is where calibration data is written when no path is given
const DefaultFile = "parking.cal"

// ErrFormat is returned for calibration data that does not match the file layout
var ErrFormat = errors.New("calibration data file format error")

// Record is one reference sweep together with the range it was taken over
type Record struct {
	Start   float64  `json:"start"`  // Meters
	Length  float64  `json:"length"` // Meters
	Count   uint     `json:"count"`
	Samples []uint16 `json:"samples"`
}

// NewRecord builds a record for samples captured over [start, start+length)
func NewRecord(start, length float64, samples []uint16) *Record {
	s := make([]uint16, len(samples))
	copy(s, samples)

	return &Record{
		Start:   start,
		Length:  length,
		Count:   uint(len(s)),
		Samples: s,
	}
}

// Capture takes one sweep from src at cfg and returns it as a record.
// The sensor is closed again before returning.
func Capture(ctx context.Context, src radar.Source, cfg radar.Config) (rec *Record, err error) {
	if err := src.Open(ctx, cfg); err != nil {
		return nil, radar.AcquisitionError("open sensor", err)
	}
	defer func() {
		if cerr := src.Close(); cerr != nil && err == nil {
			err = radar.AcquisitionError("close sensor", cerr)
		}
	}()

	samples, err := src.Sweep(ctx)
	if err != nil {
		return nil, radar.AcquisitionError("calibration sweep", err)
	}
	if len(samples) == 0 {
		return nil, radar.AcquisitionError("calibration sweep", errors.New("sensor returned no samples"))
	}

	return NewRecord(cfg.StartRange, cfg.LengthRange, envelope.Clamp(samples)), nil
}

// Encode writes rec in the calibration file layout
func Encode(w io.Writer, rec *Record) error {
	if rec.Count != uint(len(rec.Samples)) {
		return fmt.Errorf("%w: header count %d does not match %d samples", ErrFormat, rec.Count, len(rec.Samples))
	}

	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "start %f\n", rec.Start)
	fmt.Fprintf(bw, "length %f\n", rec.Length)
	fmt.Fprintf(bw, "n %d\n", rec.Count)

	for _, s := range rec.Samples {
		fmt.Fprintf(bw, "%d ", s)
	}

	return bw.Flush()
}

// Decode parses a calibration record. The header must be complete and exactly
// n samples must follow; anything less is ErrFormat.
func Decode(r io.Reader) (*Record, error) {
	sc := bufio.NewScanner(r)
	sc.Split(bufio.ScanWords)

	start, err := headerFloat(sc, "start")
	if err != nil {
		return nil, err
	}
	length, err := headerFloat(sc, "length")
	if err != nil {
		return nil, err
	}
	count, err := headerCount(sc)
	if err != nil {
		return nil, err
	}

	samples := make([]uint16, 0, min(count, envelope.MaxSamples))
	for uint64(len(samples)) < count && sc.Scan() {
		v, err := strconv.ParseUint(sc.Text(), 10, 16)
		if err != nil {
			return nil, fmt.Errorf("%w: sample %d: %q is not a 16-bit amplitude", ErrFormat, len(samples), sc.Text())
		}
		samples = append(samples, uint16(v))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read calibration data: %w", err)
	}

	if uint64(len(samples)) != count {
		return nil, fmt.Errorf("%w: header declares %d samples, found %d", ErrFormat, count, len(samples))
	}

	return &Record{
		Start:   start,
		Length:  length,
		Count:   uint(count),
		Samples: samples,
	}, nil
}

func headerFloat(sc *bufio.Scanner, key string) (float64, error) {
	tok, err := headerValue(sc, key)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s value %q", ErrFormat, key, tok)
	}
	return v, nil
}

func headerCount(sc *bufio.Scanner) (uint64, error) {
	tok, err := headerValue(sc, "n")
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(tok, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: n value %q", ErrFormat, tok)
	}
	return v, nil
}

func headerValue(sc *bufio.Scanner, key string) (string, error) {
	if !sc.Scan() || sc.Text() != key {
		return "", fmt.Errorf("%w: missing %q header", ErrFormat, key)
	}
	if !sc.Scan() {
		return "", fmt.Errorf("%w: missing %s value", ErrFormat, key)
	}
	return sc.Text(), nil
}

// Save writes rec to path, replacing any existing file
func Save(path string, rec *Record) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("unable to write calibration data to file: %w", err)
	}

	if err := Encode(f, rec); err != nil {
		f.Close()
		return err
	}

	return f.Close()
}

// Load reads the record stored at path
func Load(path string) (*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read calibration data file: %w", err)
	}
	defer f.Close()

	rec, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return rec, nil
}

// Clamp limits the record to envelope.MaxSamples and reports whether samples were dropped
func (r *Record) Clamp() bool {
	if len(r.Samples) <= envelope.MaxSamples {
		return false
	}
	r.Samples = r.Samples[:envelope.MaxSamples]
	r.Count = envelope.MaxSamples
	return true
}

// Adjustment records one configuration change forced by a calibration record
type Adjustment struct {
	Field string  `json:"field"`
	From  float64 `json:"from"`
	To    float64 `json:"to"`
}

// Apply aligns cfg with the range the record was captured over. The start is
// always taken from the record. The length is only ever shortened: a record
// covering more than the configured length leaves cfg.LengthRange alone.
func (r *Record) Apply(cfg *radar.Config) []Adjustment {
	var adj []Adjustment

	if r.Start != cfg.StartRange {
		adj = append(adj, Adjustment{Field: "start_range", From: cfg.StartRange, To: r.Start})
		cfg.StartRange = r.Start
	}

	if r.Length < cfg.LengthRange {
		adj = append(adj, Adjustment{Field: "length_range", From: cfg.LengthRange, To: r.Length})
		cfg.LengthRange = r.Length
	}

	return adj
}
