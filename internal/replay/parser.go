package replay

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/MikeSquared-Agency/intake/internal/collector"
)

// ParseTranscriptFile reads a JSONL transcript, one turn per line. Blank
// and malformed lines, and lines with an unknown sender, are skipped.
func ParseTranscriptFile(path string) ([]collector.Turn, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	var (
		turns   []collector.Turn
		skipped int
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var turn collector.Turn
		if err := json.Unmarshal([]byte(line), &turn); err != nil {
			skipped++
			continue
		}
		turn.Sender = strings.ToLower(strings.TrimSpace(turn.Sender))
		if turn.Sender != collector.SenderUser && turn.Sender != collector.SenderAssistant {
			skipped++
			continue
		}
		turns = append(turns, turn)
	}
	if err := scanner.Err(); err != nil {
		return nil, skipped, fmt.Errorf("scan: %w", err)
	}
	return turns, skipped, nil
}

// LoadCatalog reads a JSON list of services.
func LoadCatalog(path string) (collector.Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var cat collector.Catalog
	if err := json.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return cat, nil
}

// loadExpected reads the optional "<transcript>.expected.json" sidecar.
func loadExpected(transcriptPath string) (*collector.Fields, error) {
	path := strings.TrimSuffix(transcriptPath, ".jsonl") + ".expected.json"
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read expected: %w", err)
	}
	var want collector.Fields
	if err := json.Unmarshal(data, &want); err != nil {
		return nil, fmt.Errorf("parse expected: %w", err)
	}
	return &want, nil
}
