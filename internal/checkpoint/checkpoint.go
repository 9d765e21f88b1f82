// Package checkpoint persists a trained model directory: architecture
// config, float32 weights, tokenizer and a manifest describing the run.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"minimal-api-gpt/internal/device"
	"minimal-api-gpt/internal/gpt"
	"minimal-api-gpt/internal/tokenizer"
)

// Files inside a model directory.
const (
	ConfigFile   = "config.json"
	WeightsFile  = "model.safetensors"
	ManifestFile = "manifest.json"
)

// FileDigest records one persisted file.
type FileDigest struct {
	Name   string `json:"name"`
	Digest string `json:"digest"`
	Size   int64  `json:"size_bytes"`
}

// Manifest describes the training run that produced a model directory.
type Manifest struct {
	RunID     string        `json:"run_id"`
	CreatedAt time.Time     `json:"created_at"`
	Epochs    int           `json:"epochs"`
	FinalLoss float64       `json:"final_loss"`
	Params    int           `json:"params"`
	Device    device.Device `json:"device"`
	Files     []FileDigest  `json:"files"`
}

// RunInfo is what the trainer knows about the run when it saves.
type RunInfo struct {
	Epochs    int
	FinalLoss float64
	Device    device.Device
}

// Save writes the model directory and returns the manifest it recorded.
func Save(dir string, m *gpt.Model, tok *tokenizer.Tokenizer, run RunInfo) (Manifest, error) {
	if m.Config.VocabSize != tok.VocabSize() {
		return Manifest{}, fmt.Errorf("model vocab %d does not match tokenizer vocab %d", m.Config.VocabSize, tok.VocabSize())
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Manifest{}, fmt.Errorf("create model dir: %w", err)
	}

	cfgRaw, err := json.MarshalIndent(m.Config, "", "  ")
	if err != nil {
		return Manifest{}, err
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), cfgRaw, 0o644); err != nil {
		return Manifest{}, fmt.Errorf("write config: %w", err)
	}
	if err := writeSafetensors(filepath.Join(dir, WeightsFile), m); err != nil {
		return Manifest{}, err
	}
	if err := tok.Save(filepath.Join(dir, tokenizer.FileName)); err != nil {
		return Manifest{}, fmt.Errorf("write tokenizer: %w", err)
	}

	man := Manifest{
		RunID:     uuid.NewString(),
		CreatedAt: time.Now().UTC().Truncate(time.Second),
		Epochs:    run.Epochs,
		FinalLoss: run.FinalLoss,
		Params:    m.NumParams(),
		Device:    run.Device,
	}
	for _, name := range []string{ConfigFile, WeightsFile, tokenizer.FileName} {
		digest, size, err := DigestFile(filepath.Join(dir, name))
		if err != nil {
			return Manifest{}, err
		}
		man.Files = append(man.Files, FileDigest{Name: name, Digest: digest, Size: size})
	}

	manRaw, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return Manifest{}, err
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), manRaw, 0o644); err != nil {
		return Manifest{}, fmt.Errorf("write manifest: %w", err)
	}
	return man, nil
}

// Load reads a model directory written by Save. The manifest is optional;
// when present, every listed file must still match its digest.
func Load(dir string) (*gpt.Model, *tokenizer.Tokenizer, error) {
	if err := verifyManifest(dir); err != nil {
		return nil, nil, err
	}

	raw, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, nil, fmt.Errorf("read model config: %w", err)
	}
	var cfg gpt.Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, nil, fmt.Errorf("parse model config: %w", err)
	}

	tok, err := tokenizer.Load(filepath.Join(dir, tokenizer.FileName))
	if err != nil {
		return nil, nil, err
	}
	if tok.VocabSize() != cfg.VocabSize {
		return nil, nil, fmt.Errorf("tokenizer vocab %d does not match model vocab %d: %w", tok.VocabSize(), cfg.VocabSize, ErrTensorMismatch)
	}

	m, err := gpt.Empty(cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := readSafetensors(filepath.Join(dir, WeightsFile), m); err != nil {
		return nil, nil, err
	}
	return m, tok, nil
}

// ReadManifest returns the manifest of a model directory.
func ReadManifest(dir string) (Manifest, error) {
	var man Manifest
	raw, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return man, fmt.Errorf("read manifest: %w", err)
	}
	if err := json.Unmarshal(raw, &man); err != nil {
		return man, fmt.Errorf("parse manifest: %w", err)
	}
	return man, nil
}

func verifyManifest(dir string) error {
	man, err := ReadManifest(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, f := range man.Files {
		digest, _, err := DigestFile(filepath.Join(dir, f.Name))
		if err != nil {
			return err
		}
		if digest != f.Digest {
			return fmt.Errorf("%s digest %s does not match manifest %s", f.Name, digest, f.Digest)
		}
	}
	return nil
}

// DigestFile returns the sha256 digest and size of the file at path.
func DigestFile(path string) (digest string, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open file %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash file %s: %w", path, err)
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), n, nil
}

// DirSize sums the sizes of the regular files directly inside dir.
func DirSize(dir string) (int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return 0, err
		}
		total += info.Size()
	}
	return total, nil
}
