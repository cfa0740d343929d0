// Package replay drives the engine from historical tick data: CSV files,
// optionally xz- or zip-compressed, are parsed into ticks, aggregated
// into candles and fed through the engine under the simulated clock.
package replay

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ulikunitz/xz"
	"github.com/xyproto/unzip"

	"github.com/rustyeddy/fxengine/market"
)

// LoadTicks reads ticks from a CSV file. Supported rows:
//
//	time,bid,ask
//	time,bid,ask,volume
//
// with RFC3339 timestamps and an optional header. Files ending in .xz
// are decompressed on the fly; .zip archives are extracted and the first
// contained .csv is read.
func LoadTicks(path string) ([]market.Tick, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zip":
		return loadZip(path)
	case ".xz":
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("replay: open %s: %w", path, err)
		}
		defer f.Close()
		r, err := xz.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("replay: xz %s: %w", path, err)
		}
		return parseTicks(r)
	default:
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("replay: open %s: %w", path, err)
		}
		defer f.Close()
		return parseTicks(f)
	}
}

func loadZip(path string) ([]market.Tick, error) {
	dir, err := os.MkdirTemp("", "fxengine-replay-*")
	if err != nil {
		return nil, fmt.Errorf("replay: tempdir: %w", err)
	}
	defer os.RemoveAll(dir)

	if err := unzip.Extract(path, dir); err != nil {
		return nil, fmt.Errorf("replay: unzip %s: %w", path, err)
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil || len(matches) == 0 {
		return nil, fmt.Errorf("replay: no csv inside %s", path)
	}
	f, err := os.Open(matches[0])
	if err != nil {
		return nil, fmt.Errorf("replay: open %s: %w", matches[0], err)
	}
	defer f.Close()
	return parseTicks(f)
}

// Stream parses ticks from r and hands each one to fn as soon as it is
// read. Used for live pipes where the full file never materializes.
func Stream(r io.Reader, fn func(market.Tick) error) error {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	line := 0
	for {
		row, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("replay: csv: %w", err)
		}
		line++
		if len(row) == 0 {
			continue
		}
		if line == 1 && strings.EqualFold(strings.TrimSpace(row[0]), "time") {
			continue
		}
		t, err := parseRow(row)
		if err != nil {
			return fmt.Errorf("replay: line %d: %w", line, err)
		}
		if err := fn(t); err != nil {
			return err
		}
	}
}

func parseTicks(r io.Reader) ([]market.Tick, error) {
	var out []market.Tick
	err := Stream(r, func(t market.Tick) error {
		out = append(out, t)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func parseRow(row []string) (market.Tick, error) {
	if len(row) < 3 {
		return market.Tick{}, fmt.Errorf("want time,bid,ask[,volume], got %d fields", len(row))
	}
	ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(row[0]))
	if err != nil {
		return market.Tick{}, fmt.Errorf("time %q: %w", row[0], err)
	}
	bid, err := strconv.ParseFloat(strings.TrimSpace(row[1]), 64)
	if err != nil {
		return market.Tick{}, fmt.Errorf("bid %q: %w", row[1], err)
	}
	ask, err := strconv.ParseFloat(strings.TrimSpace(row[2]), 64)
	if err != nil {
		return market.Tick{}, fmt.Errorf("ask %q: %w", row[2], err)
	}
	t := market.Tick{Time: ts, Bid: bid, Ask: ask}
	if len(row) > 3 && strings.TrimSpace(row[3]) != "" {
		if t.Volume, err = strconv.ParseFloat(strings.TrimSpace(row[3]), 64); err != nil {
			return market.Tick{}, fmt.Errorf("volume %q: %w", row[3], err)
		}
	}
	return t, t.Validate()
}
