package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/sirupsen/logrus"

	"marksync/api/internal/autosave"
	"marksync/api/internal/client"
	"marksync/api/internal/conflict"
)

const MarksyncVersion = "0.1.0"

const (
	defaultAPIURL    = "http://localhost:8787"
	defaultPollMs    = 500
	requestTimeout   = 30 * time.Second
	exitFlushTimeout = 10 * time.Second
)

var log = logrus.NewEntry(logrus.New())

func main() {
	usage := `marksync: edit markdown documents against a marksync server.

The API url defaults to $MARKSYNC_API_URL, then http://localhost:8787.
The token defaults to $MARKSYNC_TOKEN.

Usage:
    marksync signup [--api_url=<api_url>] --email=<email> --password=<password> --name=<name>
    marksync signin [--api_url=<api_url>] --email=<email> --password=<password>
    marksync create [--api_url=<api_url>] [--token=<token>] [--title=<title>] <file>
    marksync edit [--api_url=<api_url>] [--token=<token>] [--debounce_ms=<ms>] [--poll_ms=<ms>] <document_id> <file>
    marksync save [--api_url=<api_url>] [--token=<token>] --base=<version> <document_id> <file>
    marksync resolve [--api_url=<api_url>] [--token=<token>] --base=<version> [--strategy=<strategy>] <document_id> <file>
    marksync state [--api_url=<api_url>] [--token=<token>] <document_id>
    marksync revisions [--api_url=<api_url>] [--token=<token>] [--limit=<limit>] <document_id>

Options:
    -h --help                Show this screen.
    --version                Show version.
    --api_url=<api_url>      Server base url.
    --token=<token>          Access token from signup or signin.
    --email=<email>
    --password=<password>
    --name=<name>            Display name.
    --title=<title>          Document title.
    --debounce_ms=<ms>       Quiet period before an autosave [default: 3000].
    --poll_ms=<ms>           How often the file is checked for changes [default: 500].
    --base=<version>         Base version the local copy was loaded at.
    --strategy=<strategy>    keep_local, keep_server, create_markers or latest_wins [default: latest_wins].
    --limit=<limit>          Maximum revisions to list [default: 20].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], MarksyncVersion)
	if err != nil {
		panic(err)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.SetOutput(os.Stderr)
	log = logrus.NewEntry(logger)

	if signup_, _ := opts.Bool("signup"); signup_ {
		err = signup(opts)
	} else if signin_, _ := opts.Bool("signin"); signin_ {
		err = signin(opts)
	} else if create_, _ := opts.Bool("create"); create_ {
		err = create(opts)
	} else if edit_, _ := opts.Bool("edit"); edit_ {
		err = edit(opts)
	} else if save_, _ := opts.Bool("save"); save_ {
		err = save(opts)
	} else if resolve_, _ := opts.Bool("resolve"); resolve_ {
		err = resolve(opts)
	} else if state_, _ := opts.Bool("state"); state_ {
		err = state(opts)
	} else if revisions_, _ := opts.Bool("revisions"); revisions_ {
		err = listRevisions(opts)
	}
	if err != nil {
		log.WithError(err).Error("command failed")
		os.Exit(1)
	}
}

func newClient(opts docopt.Opts) *client.Client {
	apiURL, _ := opts.String("--api_url")
	if apiURL == "" {
		apiURL = os.Getenv("MARKSYNC_API_URL")
	}
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	token, _ := opts.String("--token")
	if token == "" {
		token = os.Getenv("MARKSYNC_TOKEN")
	}
	return client.New(apiURL, client.WithToken(token))
}

func intOpt(opts docopt.Opts, key string, fallback int) int {
	raw, _ := opts.String(key)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func printJSON(value any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func signup(opts docopt.Opts) error {
	email, _ := opts.String("--email")
	password, _ := opts.String("--password")
	name, _ := opts.String("--name")

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	session, err := newClient(opts).SignUp(ctx, email, password, name)
	if err != nil {
		return err
	}
	return printJSON(session)
}

func signin(opts docopt.Opts) error {
	email, _ := opts.String("--email")
	password, _ := opts.String("--password")

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	session, err := newClient(opts).SignIn(ctx, email, password)
	if err != nil {
		return err
	}
	return printJSON(session)
}

func create(opts docopt.Opts) error {
	path, _ := opts.String("<file>")
	title, _ := opts.String("--title")
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	doc, err := newClient(opts).CreateDocument(ctx, title, string(content), nil)
	if err != nil {
		return err
	}
	return printJSON(doc)
}

// edit keeps the server copy of a document in step with a local file until
// interrupted. The file is the editor buffer.
func edit(opts docopt.Opts) error {
	documentID, _ := opts.String("<document_id>")
	path, _ := opts.String("<file>")
	debounce := time.Duration(intOpt(opts, "--debounce_ms", int(autosave.DefaultDebounce/time.Millisecond))) * time.Millisecond
	poll := time.Duration(intOpt(opts, "--poll_ms", defaultPollMs)) * time.Millisecond
	if poll <= 0 {
		poll = defaultPollMs * time.Millisecond
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := newClient(opts)
	editor, err := c.OpenEditor(ctx, documentID,
		autosave.WithDebounce(debounce),
		autosave.WithLogger(log),
	)
	if err != nil {
		return err
	}
	defer editor.Close()

	editLog := log.WithField("document_id", documentID)
	editor.OnStatus(func(status autosave.Status) {
		snapshot := editor.State()
		entry := editLog.WithFields(logrus.Fields{"status": status, "version": snapshot.BaseVersion})
		if status == autosave.StatusConflict && snapshot.Conflict != nil {
			entry.WithField("server_version", snapshot.Conflict.ServerVersion).
				Warn("document changed on the server; run marksync resolve")
			return
		}
		entry.Info("status")
	})

	initial := editor.State()
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(path, []byte(initial.Content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	editLog.WithFields(logrus.Fields{"file": path, "version": initial.BaseVersion}).Info("editing")

	var lastMod time.Time
	lastContent := initial.Content
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return finalFlush(editor, editLog)
		case <-ticker.C:
			info, err := os.Stat(path)
			if err != nil {
				editLog.WithError(err).Warn("stat file")
				continue
			}
			if !info.ModTime().After(lastMod) {
				continue
			}
			lastMod = info.ModTime()
			raw, err := os.ReadFile(path)
			if err != nil {
				editLog.WithError(err).Warn("read file")
				continue
			}
			if string(raw) == lastContent {
				continue
			}
			lastContent = string(raw)
			editor.EditAt(lastContent, len(lastContent))
		}
	}
}

func finalFlush(editor *autosave.Controller, editLog *logrus.Entry) error {
	ctx, cancel := context.WithTimeout(context.Background(), exitFlushTimeout)
	defer cancel()
	err := editor.Flush(ctx)
	if errors.Is(err, autosave.ErrConflictPending) {
		editLog.Warn("exiting with an unresolved conflict; local file kept")
		return nil
	}
	if err != nil {
		return fmt.Errorf("final save: %w", err)
	}
	return nil
}

func save(opts docopt.Opts) error {
	documentID, _ := opts.String("<document_id>")
	path, _ := opts.String("<file>")
	version, err := versionOpt(opts)
	if err != nil {
		return err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	result, err := newClient(opts).ManualSave(ctx, autosave.ManualSaveRequest{
		DocumentID:       documentID,
		BaseVersion:      version,
		Content:          string(content),
		LastEditPosition: len(content),
	})
	if err != nil {
		return err
	}
	if result.Conflict != nil {
		log.WithFields(logrus.Fields{
			"conflict_type":  result.Conflict.ConflictType,
			"server_version": result.Conflict.ServerVersion,
		}).Warn("save conflicts with the server copy")
		return printJSON(result.Conflict)
	}
	return printJSON(map[string]any{"version": result.Version, "savedAt": result.SavedAt})
}

// resolve reconciles the local file with the server and rewrites the file
// with the resolved content. The file's modification time stands in for the
// local edit time under latest_wins.
func resolve(opts docopt.Opts) error {
	documentID, _ := opts.String("<document_id>")
	path, _ := opts.String("<file>")
	strategyName, _ := opts.String("--strategy")
	version, err := versionOpt(opts)
	if err != nil {
		return err
	}
	strategy, err := conflict.ParseStrategy(strategyName)
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	result, err := newClient(opts).ResolveConflict(ctx, autosave.ResolveRequest{
		DocumentID:   documentID,
		BaseVersion:  version,
		LocalContent: string(content),
		Strategy:     strategy,
		SubmittedAt:  info.ModTime(),
	})
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(result.Content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return printJSON(map[string]any{"version": result.Version, "written": result.Written})
}

func state(opts docopt.Opts) error {
	documentID, _ := opts.String("<document_id>")

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	current, err := newClient(opts).State(ctx, documentID)
	if err != nil {
		return err
	}
	return printJSON(current)
}

func listRevisions(opts docopt.Opts) error {
	documentID, _ := opts.String("<document_id>")
	limit := intOpt(opts, "--limit", 20)

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	items, err := newClient(opts).Revisions(ctx, documentID, limit)
	if err != nil {
		return err
	}
	return printJSON(items)
}

func versionOpt(opts docopt.Opts) (int64, error) {
	raw, _ := opts.String("--base")
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || version < 1 {
		return 0, fmt.Errorf("--base must be a positive integer, got %q", raw)
	}
	return version, nil
}
