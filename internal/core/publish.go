package core

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog"

	gssh "github.com/3cpo-dev/dgdbatch/internal/ssh"
	"github.com/3cpo-dev/dgdbatch/pkg/api"
)

// UploadConfig points at an SFTP directory that receives the files of
// succeeded batches.
type UploadConfig struct {
	Addr       string        `yaml:"addr"`
	User       string        `yaml:"user"`
	KeyPath    string        `yaml:"key_path"`
	KnownHosts string        `yaml:"known_hosts"`
	RemoteDir  string        `yaml:"remote_dir"`
	Retries    int           `yaml:"retries"`
	Timeout    time.Duration `yaml:"timeout"`
}

func (c UploadConfig) Enabled() bool { return c.Addr != "" && c.RemoteDir != "" }

// ParseUploadTarget reads "user@host[:port]:/dir" into cfg. The port defaults to 22.
func ParseUploadTarget(target string, cfg UploadConfig) (UploadConfig, error) {
	bad := fmt.Errorf("invalid upload target %q (want user@host[:port]:/dir)", target)

	at := strings.LastIndexByte(target, '@')
	if at <= 0 {
		return cfg, bad
	}
	user, rest := target[:at], target[at+1:]
	i := strings.Index(rest, ":/")
	if i <= 0 {
		return cfg, bad
	}
	hostPort, dir := rest[:i], rest[i+1:]

	host, port := hostPort, "22"
	if j := strings.LastIndexByte(hostPort, ':'); j >= 0 {
		host, port = hostPort[:j], hostPort[j+1:]
		if _, err := strconv.Atoi(port); err != nil || host == "" {
			return cfg, bad
		}
	}
	cfg.User = user
	cfg.Addr = host + ":" + port
	cfg.RemoteDir = path.Clean(dir)
	return cfg, nil
}

// SFTPPublisher uploads each succeeded batch's output and log file.
type SFTPPublisher struct {
	cfg UploadConfig
	log zerolog.Logger
}

func NewSFTPPublisher(cfg UploadConfig, logger zerolog.Logger) (*SFTPPublisher, error) {
	if !cfg.Enabled() {
		return nil, errors.New("upload target requires an address and a remote directory")
	}
	if cfg.KeyPath == "" {
		return nil, errors.New("upload target requires a private key")
	}
	return &SFTPPublisher{cfg: cfg, log: logger.With().Str("component", "publisher").Logger()}, nil
}

func (p *SFTPPublisher) Publish(ctx context.Context, specs []api.JobSpec, result api.RunResult) error {
	signer, err := gssh.LoadPrivateKeySigner(p.cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load SSH key: %w", err)
	}
	kh, err := gssh.LoadKnownHostsCallback(p.cfg.KnownHosts)
	if err != nil {
		return fmt.Errorf("load known hosts: %w", err)
	}
	timeout := p.cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client, err := gssh.Dial(ctx, &gssh.Client{
		Addr:       p.cfg.Addr,
		User:       p.cfg.User,
		Signer:     signer,
		KnownHosts: kh,
		Timeout:    timeout,
		Retries:    p.cfg.Retries,
		Backoff:    500 * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("connect SSH: %w", err)
	}
	defer client.Close()

	sf, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("create SFTP client: %w", err)
	}
	defer sf.Close()

	return publishFiles(ctx, sf, p.cfg.RemoteDir, specs, result, p.log)
}

// publishFiles keeps going past a failed file and reports every failure.
func publishFiles(ctx context.Context, sf *sftp.Client, remoteDir string, specs []api.JobSpec, result api.RunResult, logger zerolog.Logger) error {
	var errs []error
	var total int64
	files := 0
	for _, spec := range specs {
		o, ok := result.Outcomes[spec.BatchNumber]
		if !ok || !o.Succeeded() {
			continue
		}
		for _, local := range []string{spec.OutputPath, spec.LogPath} {
			if local == "" {
				continue
			}
			remote := path.Join(remoteDir, filepath.Base(local))
			n, err := gssh.PushFile(ctx, sf, local, remote)
			if err != nil {
				errs = append(errs, fmt.Errorf("batch %d: %w", spec.BatchNumber, err))
				continue
			}
			if st, err := sf.Stat(remote); err != nil || st.Size() != n {
				errs = append(errs, fmt.Errorf("batch %d: size check failed for %s", spec.BatchNumber, remote))
				continue
			}
			total += n
			files++
			logger.Debug().Int("batch", spec.BatchNumber).Str("remote", remote).Str("size", humanize.Bytes(uint64(n))).Msg("file uploaded")
		}
	}
	logger.Info().Int("files", files).Str("size", humanize.Bytes(uint64(total))).Str("remote_dir", remoteDir).Msg("batch results uploaded")
	return errors.Join(errs...)
}
