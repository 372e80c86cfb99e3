// Package history guarda as rodadas liquidadas em um arquivo JSON, com backups e estatísticas.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/radieske/jackpot-platform-poc/pkg/contracts/events"
)

var (
	ErrInvalidBackupID = errors.New("invalid backup id")
	ErrBackupNotFound  = errors.New("backup not found")
	ErrInvalidDays     = errors.New("days must be positive")
)

type Record struct {
	ID           string        `json:"id"`
	Generation   uint64        `json:"generation"`
	Timestamp    time.Time     `json:"timestamp"`
	Winner       string        `json:"winner"`
	Total        float64       `json:"total"`
	Participants []Participant `json:"participants"`
}

type Participant struct {
	Identity string             `json:"identity"`
	Value    float64            `json:"value"`
	Items    []events.StakeItem `json:"items"`
}

// FromSettled converte o evento do tópico round_settled
func FromSettled(s events.RoundSettled) Record {
	ps := make([]Participant, len(s.Participants))
	for i, p := range s.Participants {
		ps[i] = Participant{Identity: p.Identity, Value: p.Value, Items: p.Items}
	}
	ts := s.SettledAt
	if ts.IsZero() {
		ts = time.UnixMilli(s.TsUnixMs).UTC()
	}
	return Record{
		ID:           s.RoundID,
		Generation:   s.Generation,
		Timestamp:    ts,
		Winner:       s.Winner,
		Total:        s.Total,
		Participants: ps,
	}
}

// Store mantém o histórico em memória e o persiste a cada alteração.
// Se a gravação falhar o store fica sujo e a próxima alteração ou Flush tenta de novo.
type Store struct {
	mu      sync.RWMutex
	path    string
	records []Record
	ids     map[string]struct{}
	dirty   bool
	backup  *regexp.Regexp

	log   *zap.Logger
	clock clockwork.Clock
}

// Open carrega o arquivo (ausente = histórico vazio) e cria o diretório se preciso
func Open(path string, log *zap.Logger, clock clockwork.Clock) (*Store, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}

	s := &Store{
		path:   path,
		ids:    make(map[string]struct{}),
		backup: regexp.MustCompile(`^` + regexp.QuoteMeta(filepath.Base(path)) + `\.\d+\.bak$`),
		log:    log.Named("history"),
		clock:  clock,
	}

	records, err := readRecords(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.log.Info("no history file, starting fresh", zap.String("path", path))
	case err != nil:
		return nil, err
	default:
		s.replace(records)
		s.log.Info("history loaded", zap.Int("records", len(records)))
	}
	return s, nil
}

func readRecords(path string) ([]Record, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var records []Record
	if err := json.Unmarshal(b, &records); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return records, nil
}

func (s *Store) replace(records []Record) {
	if records == nil {
		records = []Record{}
	}
	s.records = records
	s.ids = make(map[string]struct{}, len(records))
	for _, r := range records {
		if r.ID != "" {
			s.ids[r.ID] = struct{}{}
		}
	}
}

// Append adiciona a rodada. Rodadas repetidas (mesmo ID) não são duplicadas;
// retorna added=false nesse caso, mas ainda tenta gravar se houver pendência.
func (s *Store) Append(rec Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.ids[rec.ID]; dup && rec.ID != "" {
		if s.dirty {
			return false, s.saveLocked()
		}
		return false, nil
	}
	if rec.Participants == nil {
		rec.Participants = []Participant{}
	}
	s.records = append(s.records, rec)
	if rec.ID != "" {
		s.ids[rec.ID] = struct{}{}
	}
	s.dirty = true
	return true, s.saveLocked()
}

// Flush grava se houver alterações pendentes
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	return s.saveLocked()
}

func (s *Store) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirty
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// List retorna as últimas limit rodadas em ordem cronológica; limit <= 0 retorna todas
func (s *Store) List(limit int) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	from := 0
	if limit > 0 && limit < len(s.records) {
		from = len(s.records) - limit
	}
	out := make([]Record, len(s.records)-from)
	copy(out, s.records[from:])
	return out
}

func (s *Store) saveLocked() error {
	if err := writeJSONFile(s.path, s.records); err != nil {
		s.dirty = true
		s.log.Warn("history save failed, will retry", zap.Error(err))
		return err
	}
	s.dirty = false
	return nil
}

// writeJSONFile grava em arquivo temporário e renomeia
func writeJSONFile(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(tmp), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(tmp), err)
	}
	return nil
}

// Backup grava o histórico atual como history.json.<unixms>.bak e retorna o nome
func (s *Store) Backup() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backupLocked()
}

func (s *Store) backupLocked() (string, error) {
	name := filepath.Base(s.path) + "." + strconv.FormatInt(s.clock.Now().UnixMilli(), 10) + ".bak"
	if err := writeJSONFile(filepath.Join(filepath.Dir(s.path), name), s.records); err != nil {
		return "", fmt.Errorf("backup: %w", err)
	}
	s.log.Info("history backup written", zap.String("backup", name), zap.Int("records", len(s.records)))
	return name, nil
}

// Clear faz backup e esvazia o histórico
func (s *Store) Clear() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name, err := s.backupLocked()
	if err != nil {
		return "", err
	}
	s.replace(nil)
	s.dirty = true
	return name, s.saveLocked()
}

type PruneResult struct {
	Removed int    `json:"removed"`
	Left    int    `json:"left"`
	Backup  string `json:"backup"`
}

// Prune faz backup e remove rodadas mais antigas que days dias
func (s *Store) Prune(days int) (PruneResult, error) {
	if days <= 0 {
		return PruneResult{}, ErrInvalidDays
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	name, err := s.backupLocked()
	if err != nil {
		return PruneResult{}, err
	}

	cutoff := s.clock.Now().Add(-time.Duration(days) * 24 * time.Hour)
	kept := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		if !r.Timestamp.Before(cutoff) {
			kept = append(kept, r)
		}
	}
	removed := len(s.records) - len(kept)
	s.replace(kept)
	s.dirty = true
	return PruneResult{Removed: removed, Left: len(kept), Backup: name}, s.saveLocked()
}

// Restore substitui o histórico pelo conteúdo de um backup
func (s *Store) Restore(id string) (int, error) {
	path, err := s.BackupPath(id)
	if err != nil {
		return 0, err
	}
	records, err := readRecords(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, ErrBackupNotFound
	}
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.replace(records)
	s.dirty = true
	return len(s.records), s.saveLocked()
}

// BackupPath resolve o arquivo para download: id vazio é o arquivo principal.
// Só aceita nomes gerados por Backup, nunca caminhos.
func (s *Store) BackupPath(id string) (string, error) {
	if id == "" {
		return s.path, nil
	}
	if !s.backup.MatchString(id) {
		return "", ErrInvalidBackupID
	}
	path := filepath.Join(filepath.Dir(s.path), id)
	if _, err := os.Stat(path); err != nil {
		return "", ErrBackupNotFound
	}
	return path, nil
}
