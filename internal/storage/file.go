package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"postrunner/internal/model"
	logx "postrunner/pkg/logx"
)

const (
	accountsFileMode   = 0o600
	accountsSchemaVers = 1
	tempFilePattern    = ".accounts-*.toml.tmp"
)

// fileStore keeps accounts in a TOML file and appends everything else to
// JSON Lines journals next to it.
//
// Files:
//   - <path>                      (accounts, TOML)
//   - <prefix>.sessions.jsonl     (append-only session material journal)
//   - <prefix>.runs.jsonl         (append-only run records)
//
// The sessions journal is compacted into the accounts file on Close.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	accountsPath string
	runsPath     string
	sessionsFile *os.File
	runsFile     *os.File

	// latest session material per account, replayed from the journal
	sessions map[string]string
}

type accountsFile struct {
	Version  int             `toml:"version"`
	Accounts []accountSchema `toml:"accounts"`
}

type accountSchema struct {
	ID             string `toml:"id"`
	Name           string `toml:"name,omitempty"`
	SessionRef     string `toml:"session_ref,omitempty"`
	ProxyRef       string `toml:"proxy_ref,omitempty"`
	DailyPostCap   int    `toml:"daily_post_cap,omitempty"`
	DailyActionCap int    `toml:"daily_action_cap,omitempty"`
	WarmingStarted string `toml:"warming_started,omitempty"`
}

type sessionRecord struct {
	AccountID string    `json:"account_id"`
	Material  string    `json:"material"`
	At        time.Time `json:"at"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	path = filepath.Clean(path)

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	prefix := filepath.Join(dir, strings.TrimSuffix(base, filepath.Ext(base)))

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	sessions := map[string]string{}
	sessionsPath := prefix + ".sessions.jsonl"
	if err := replaySessions(sessionsPath, sessions); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("session journal replay failed", logx.Err(err))
	}

	sf, err := os.OpenFile(sessionsPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	runsPath := prefix + ".runs.jsonl"
	rf, err := os.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = sf.Close()
		return nil, err
	}

	return &fileStore{
		log:          log,
		accountsPath: path,
		runsPath:     runsPath,
		sessionsFile: sf,
		runsFile:     rf,
		sessions:     sessions,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionsFile == nil {
		return nil
	}
	var errs []error
	if len(s.sessions) > 0 {
		if err := s.compactLocked(); err != nil {
			errs = append(errs, fmt.Errorf("compact sessions: %w", err))
		}
	}
	errs = append(errs, s.sessionsFile.Close(), s.runsFile.Close())
	s.sessionsFile, s.runsFile = nil, nil
	return errors.Join(errs...)
}

func (s *fileStore) LoadAccounts(ctx context.Context) ([]model.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.readLocked()
	if err != nil {
		return nil, err
	}
	out := make([]model.Account, 0, len(file.Accounts))
	for _, e := range file.Accounts {
		acc, err := fromSchema(e)
		if err != nil {
			return nil, err
		}
		if m, ok := s.sessions[acc.ID]; ok {
			acc.SessionRef = m
		}
		out = append(out, acc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fileStore) UpsertAccount(ctx context.Context, acc model.Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	acc = acc.Normalize()
	if err := acc.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.readLocked()
	if err != nil {
		return err
	}
	entry := toSchema(acc)
	replaced := false
	for i := range file.Accounts {
		if file.Accounts[i].ID == acc.ID {
			file.Accounts[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		file.Accounts = append(file.Accounts, entry)
	}
	if err := s.writeLocked(file); err != nil {
		return err
	}
	// A later replay must not resurrect older journaled material.
	if _, ok := s.sessions[acc.ID]; ok && s.sessionsFile != nil {
		if err := json.NewEncoder(s.sessionsFile).Encode(sessionRecord{AccountID: acc.ID, Material: acc.SessionRef, At: time.Now()}); err != nil {
			return err
		}
		s.sessions[acc.ID] = acc.SessionRef
	}
	return nil
}

func (s *fileStore) SaveSession(ctx context.Context, accountID, material string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return model.ErrAccountID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionsFile == nil {
		return errors.New("session journal closed")
	}
	if err := json.NewEncoder(s.sessionsFile).Encode(sessionRecord{AccountID: accountID, Material: material, At: time.Now()}); err != nil {
		return err
	}
	s.sessions[accountID] = material
	return nil
}

func (s *fileStore) AppendRun(ctx context.Context, run Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return errors.New("runs journal closed")
	}
	return json.NewEncoder(s.runsFile).Encode(run)
}

func (s *fileStore) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.runsPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var runs []Run
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var r Run
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		runs = append(runs, r)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(runs)-1; i < j; i, j = i+1, j-1 {
		runs[i], runs[j] = runs[j], runs[i]
	}
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (s *fileStore) readLocked() (accountsFile, error) {
	data, err := os.ReadFile(s.accountsPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return accountsFile{Version: accountsSchemaVers}, nil
		}
		return accountsFile{}, fmt.Errorf("read accounts file: %w", err)
	}
	var file accountsFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return accountsFile{}, fmt.Errorf("decode accounts file: %w", err)
	}
	if file.Version == 0 {
		file.Version = accountsSchemaVers
	}
	if file.Version != accountsSchemaVers {
		return accountsFile{}, fmt.Errorf("unsupported accounts file version %d", file.Version)
	}
	return file, nil
}

// writeLocked replaces the accounts file atomically.
func (s *fileStore) writeLocked(file accountsFile) error {
	file.Version = accountsSchemaVers
	data, err := toml.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode accounts file: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.accountsPath), tempFilePattern)
	if err != nil {
		return fmt.Errorf("create temp accounts file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp accounts file: %w", err)
	}
	if err := tmp.Chmod(accountsFileMode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp accounts file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp accounts file: %w", err)
	}
	if err := os.Rename(tmpName, s.accountsPath); err != nil {
		return fmt.Errorf("replace accounts file: %w", err)
	}
	cleanup = false
	return nil
}

// compactLocked folds journaled session material into the accounts file and
// truncates the journal.
func (s *fileStore) compactLocked() error {
	file, err := s.readLocked()
	if err != nil {
		return err
	}
	changed := false
	for i := range file.Accounts {
		if m, ok := s.sessions[file.Accounts[i].ID]; ok && file.Accounts[i].SessionRef != m {
			file.Accounts[i].SessionRef = m
			changed = true
		}
	}
	if changed {
		if err := s.writeLocked(file); err != nil {
			return err
		}
	}
	if err := s.sessionsFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.sessionsFile.Seek(0, 2)
	return err
}

func replaySessions(path string, out map[string]string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r sessionRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.AccountID == "" {
			continue
		}
		out[r.AccountID] = r.Material
	}
	return sc.Err()
}

func toSchema(acc model.Account) accountSchema {
	e := accountSchema{
		ID:             acc.ID,
		Name:           acc.Name,
		SessionRef:     acc.SessionRef,
		ProxyRef:       acc.ProxyRef,
		DailyPostCap:   acc.DailyPostCap,
		DailyActionCap: acc.DailyActionCap,
	}
	if !acc.WarmingStarted.IsZero() {
		e.WarmingStarted = acc.WarmingStarted.UTC().Format(time.RFC3339)
	}
	if e.Name == e.ID {
		e.Name = ""
	}
	return e
}

func fromSchema(e accountSchema) (model.Account, error) {
	acc := model.Account{
		ID:             e.ID,
		Name:           e.Name,
		SessionRef:     e.SessionRef,
		ProxyRef:       e.ProxyRef,
		DailyPostCap:   e.DailyPostCap,
		DailyActionCap: e.DailyActionCap,
	}
	if e.WarmingStarted != "" {
		t, err := time.Parse(time.RFC3339, e.WarmingStarted)
		if err != nil {
			return model.Account{}, fmt.Errorf("account %s: warming_started: %w", e.ID, err)
		}
		acc.WarmingStarted = t
	}
	acc = acc.Normalize()
	if err := acc.Validate(); err != nil {
		return model.Account{}, err
	}
	return acc, nil
}
