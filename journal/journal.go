package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

var cycleFilePattern = regexp.MustCompile(`^decision_\d{8}_\d{6}_cycle(\d+)\.json$`)

// Journal is the append-only file-per-cycle decision log of one trader.
// Writes are serial within a trader; records are never mutated after append.
type Journal struct {
	dir   string
	cycle int
	log   zerolog.Logger
}

// New opens (creating if necessary) the journal directory and resumes the
// cycle counter from the highest cycle number already on disk.
func New(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	j := &Journal{
		dir: dir,
		log: zlog.With().Str("component", "journal").Str("dir", dir).Logger(),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read journal directory: %w", err)
	}
	for _, entry := range entries {
		m := cycleFilePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n > j.cycle {
			j.cycle = n
		}
	}

	return j, nil
}

// CycleNumber returns the last appended cycle number.
func (j *Journal) CycleNumber() int {
	return j.cycle
}

// Append assigns the next cycle number and timestamp to the record and
// persists it. The write goes to a temp file first and is renamed into place
// so a crash leaves either a complete record or none.
func (j *Journal) Append(record *Record) error {
	j.cycle++
	record.CycleNumber = j.cycle
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}

	filename := fmt.Sprintf("decision_%s_cycle%d.json",
		record.Timestamp.Format("20060102_150405"), record.CycleNumber)
	finalPath := filepath.Join(j.dir, filename)

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	tmp, err := os.CreateTemp(j.dir, filename+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create temp record file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close record file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to finalize record: %w", err)
	}

	j.log.Info().Int("cycle", record.CycleNumber).Str("file", filename).Msg("decision record saved")
	return nil
}

// Latest returns up to n newest records in time-ascending order.
func (j *Journal) Latest(n int) ([]*Record, error) {
	files, err := j.recordFiles()
	if err != nil {
		return nil, err
	}

	// Newest first by cycle number, then trim and reverse.
	sort.Slice(files, func(a, b int) bool { return cycleOf(files[a]) > cycleOf(files[b]) })
	if len(files) > n {
		files = files[:n]
	}

	records := make([]*Record, 0, len(files))
	for i := len(files) - 1; i >= 0; i-- {
		record, err := j.readRecord(files[i])
		if err != nil {
			j.log.Warn().Err(err).Str("file", files[i]).Msg("skipping unreadable record")
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// ByDate returns all records whose filename carries the given day prefix.
func (j *Journal) ByDate(date time.Time) ([]*Record, error) {
	pattern := fmt.Sprintf("decision_%s_*.json", date.Format("20060102"))
	matches, err := filepath.Glob(filepath.Join(j.dir, pattern))
	if err != nil {
		return nil, fmt.Errorf("failed to glob records: %w", err)
	}
	sort.Strings(matches)

	records := make([]*Record, 0, len(matches))
	for _, path := range matches {
		record, err := j.readRecord(filepath.Base(path))
		if err != nil {
			j.log.Warn().Err(err).Str("file", path).Msg("skipping unreadable record")
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// Clean deletes record files whose mtime is older than the cutoff and
// returns how many were removed.
func (j *Journal) Clean(olderThanDays int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -olderThanDays)

	files, err := j.recordFiles()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, name := range files {
		path := filepath.Join(j.dir, name)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil {
				j.log.Warn().Err(err).Str("file", name).Msg("failed to remove old record")
				continue
			}
			removed++
		}
	}

	if removed > 0 {
		j.log.Info().Int("removed", removed).Int("days", olderThanDays).Msg("cleaned old records")
	}
	return removed, nil
}

// Statistics scans every record and tallies cycle and action counts.
func (j *Journal) Statistics() (*Statistics, error) {
	files, err := j.recordFiles()
	if err != nil {
		return nil, err
	}

	stats := &Statistics{}
	for _, name := range files {
		record, err := j.readRecord(name)
		if err != nil {
			continue
		}
		stats.TotalCycles++
		if record.Success {
			stats.SuccessfulCycles++
		} else {
			stats.FailedCycles++
		}
		for _, action := range record.Decisions {
			if !action.Success {
				continue
			}
			switch action.Action {
			case "open_long", "open_short":
				stats.TotalOpenPositions++
			case "close_long", "close_short":
				stats.TotalClosePositions++
			}
		}
	}
	return stats, nil
}

func cycleOf(name string) int {
	m := cycleFilePattern.FindStringSubmatch(name)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

func (j *Journal) recordFiles() ([]string, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read journal directory: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if cycleFilePattern.MatchString(entry.Name()) {
			files = append(files, entry.Name())
		}
	}
	return files, nil
}

func (j *Journal) readRecord(name string) (*Record, error) {
	data, err := os.ReadFile(filepath.Join(j.dir, name))
	if err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to parse record: %w", err)
	}
	return &record, nil
}
