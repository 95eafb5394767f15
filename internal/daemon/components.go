package daemon

import (
	"context"
	"errors"
	"fmt"

	"github.com/yairfalse/vahti/checker"
	ruleconfig "github.com/yairfalse/vahti/config"
	"github.com/yairfalse/vahti/dedup"
	"github.com/yairfalse/vahti/executor"
	"github.com/yairfalse/vahti/internal/archive"
	"github.com/yairfalse/vahti/internal/config"
	"github.com/yairfalse/vahti/internal/notify"
	"github.com/yairfalse/vahti/policy"
	"github.com/yairfalse/vahti/providers"
	_ "github.com/yairfalse/vahti/providers/rest" // registers the "rest" platform
	"github.com/yairfalse/vahti/scanner"
	"github.com/yairfalse/vahti/storage"
	"github.com/yairfalse/vahti/wal"
)

// Components is the wired engine. The CLI uses it for one-shot commands;
// the daemon runs it.
type Components struct {
	Rules    *ruleconfig.RuleFile
	Platform providers.Platform
	Auth     *providers.StaticAuthorizer
	Resolver *providers.StaticResolver
	Store    *storage.AuditStore
	Journal  *wal.WAL
	Notifier *notify.Multi
	Archiver *archive.S3Archiver
	Engine   *policy.Engine
	Executor *executor.Executor
	Scanner  *scanner.Scanner
	Checker  *checker.Checker
}

// Build wires every component from config. A nil platform is created
// from the [platform] section through the platform registry.
func Build(ctx context.Context, cfg *config.Config, platform providers.Platform) (*Components, error) {
	c := &Components{}
	ok := false
	defer func() {
		if !ok {
			_ = c.Close()
		}
	}()

	rules, err := ruleconfig.LoadRuleFile(cfg.Groups.RulesFile)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	c.Rules = rules

	if platform == nil {
		platform, err = providers.GetPlatform(cfg.Platform.Name, providers.PlatformConfig{
			BaseURL:   cfg.Platform.BaseURL,
			Token:     cfg.Platform.Token,
			UserAgent: cfg.Platform.UserAgent,
			Timeout:   cfg.Platform.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("create platform: %w", err)
		}
	}
	c.Platform = platform
	c.Auth = providers.NewStaticAuthorizer(cfg.Groups.Authorized...)
	c.Resolver = providers.NewStaticResolver(cfg.Groups.Active)

	c.Store, err = storage.NewAuditStore(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}

	if cfg.Journal.Enabled {
		c.Journal, err = wal.OpenWithConfig(cfg.Journal.Dir, journalConfig(cfg))
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
	}

	c.Notifier, err = buildNotifier(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Archive.Enabled {
		c.Archiver, err = archive.New(ctx, archive.Config{
			Bucket:  cfg.Archive.Bucket,
			Prefix:  cfg.Archive.Prefix,
			Region:  cfg.Archive.Region,
			Profile: cfg.Archive.Profile,
		})
		if err != nil {
			return nil, err
		}
	}

	c.Engine = policy.NewEngine()

	execCfg := executor.Config{
		Authorizer: c.Auth,
		Banner:     platform,
		Audit:      c.Store,
		Notifier:   c.Notifier,
	}
	if c.Journal != nil {
		execCfg.Journal = c.Journal
	}
	c.Executor = executor.New(execCfg)

	c.Scanner = scanner.New(scanner.Config{
		Members:   platform,
		Profiles:  platform,
		Rules:     rules,
		Evaluator: c.Engine,
		Executor:  c.Executor,
		Options: scanner.Options{
			PageSize:               cfg.Scanner.PageSize,
			MaxMembers:             cfg.Scanner.MaxMembers,
			MaxConsecutiveFailures: cfg.Scanner.MaxFailures,
			PageDelay:              cfg.Scanner.PageDelay,
			EnrichDelay:            cfg.Scanner.EnrichDelay,
		},
	})

	c.Checker = checker.New(checker.Config{
		Rules:         rules,
		Evaluator:     c.Engine,
		Executor:      c.Executor,
		Resolver:      c.Resolver,
		Occupants:     platform,
		Dedup:         dedup.New(cfg.Live.DedupCeiling),
		SweepInterval: cfg.Live.SweepInterval,
	})

	ok = true
	return c, nil
}

func journalConfig(cfg *config.Config) wal.Config {
	jc := wal.DefaultConfig()
	jc.RetentionDays = cfg.Journal.RetentionDays
	return jc
}

func buildNotifier(cfg *config.Config) (*notify.Multi, error) {
	var notifiers []notify.Notifier
	if cfg.Notify.Log {
		notifiers = append(notifiers, notify.NewLogNotifier())
	}
	if cfg.Notify.Slack.Enabled {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.Notify.Slack.Token, cfg.Notify.Slack.Channel))
	}
	if cfg.Notify.Discord.Enabled {
		d, err := notify.NewDiscordNotifier(cfg.Notify.Discord.Token, cfg.Notify.Discord.ChannelID)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, d)
	}
	return notify.NewMulti(notifiers...), nil
}

// Close releases storage and notifiers.
func (c *Components) Close() error {
	var errs []error
	if c.Checker != nil {
		c.Checker.Stop()
	}
	if c.Notifier != nil {
		errs = append(errs, c.Notifier.Close())
	}
	if c.Journal != nil {
		errs = append(errs, c.Journal.Close())
	}
	if c.Store != nil {
		errs = append(errs, c.Store.Close())
	}
	return errors.Join(errs...)
}
