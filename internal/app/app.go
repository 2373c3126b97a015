package app

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loydmilligan/vinylvault/internal/config"
	"github.com/loydmilligan/vinylvault/internal/database"
	"github.com/loydmilligan/vinylvault/internal/discogs"
	"github.com/loydmilligan/vinylvault/internal/experiment"
	"github.com/loydmilligan/vinylvault/internal/handler"
	"github.com/loydmilligan/vinylvault/internal/logger"
	"github.com/loydmilligan/vinylvault/internal/metrics"
	"github.com/loydmilligan/vinylvault/internal/middleware"
	"github.com/loydmilligan/vinylvault/internal/model"
	"github.com/loydmilligan/vinylvault/internal/ratelimit"
	"github.com/loydmilligan/vinylvault/internal/repository"
	"github.com/loydmilligan/vinylvault/internal/security"
	"github.com/loydmilligan/vinylvault/internal/selection"
	"github.com/loydmilligan/vinylvault/internal/transport"
	"github.com/loydmilligan/vinylvault/internal/worker/cleanup"
	"github.com/loydmilligan/vinylvault/internal/worker/syncer"
)

const (
	cleanupInterval    = 24 * time.Hour
	shutdownTimeout    = 30 * time.Second
	defaultHistorySize = 20
	identityTimeout    = 30 * time.Second
)

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップしてから環境変数でConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// logOutには構造化ログ、outには表形式の出力を書き込む。argsにはos.Args[1:]を渡す。
func Run(logOut, out io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(logOut)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	switch cmd {
	case CommandSync:
		return runSync(cfg, out, commandArgs(args))
	case CommandHistory:
		return runHistory(cfg, out, commandArgs(args))
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// components はサブコマンド間で共有する依存関係の組み立て結果。
type components struct {
	db           *sql.DB
	registry     *prometheus.Registry
	collector    *metrics.Collector
	records      *repository.SQLRecordRepo
	syncLog      *repository.SQLSyncLogRepo
	selectionLog *repository.SQLSelectionLogRepo
	sanitizer    security.TextSanitizerService
	client       *discogs.Client
	engine       *selection.Engine
	orchestrator *syncer.Orchestrator
}

// openDatabase はマイグレーションを適用してからDB接続を開く。
func openDatabase(ctx context.Context, databaseURL string) (*sql.DB, database.Dialect, error) {
	if err := database.RunMigrations(databaseURL); err != nil {
		return nil, "", fmt.Errorf("migration failed: %w", err)
	}

	db, dialect, err := database.Open(databaseURL)
	if err != nil {
		return nil, "", err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, "", fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established", slog.String("dialect", string(dialect)))
	return db, dialect, nil
}

// build は全依存関係をワイヤリングする。
// 呼び出し側はc.db.Close()で接続を閉じる責任を持つ。
func build(ctx context.Context, cfg *config.Config) (*components, error) {
	log := slog.Default()

	// 1. DB接続とリポジトリ
	db, dialect, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	c := &components{db: db}
	c.records = repository.NewSQLRecordRepo(db, dialect, repository.OverwritePolicy(cfg.ResyncOverwritePolicy))
	c.syncLog = repository.NewSQLSyncLogRepo(db, dialect)
	bookmarks := repository.NewSQLSyncBookmarkRepo(db, dialect)
	c.selectionLog = repository.NewSQLSelectionLogRepo(db, dialect)
	assignments := repository.NewSQLExperimentAssignmentRepo(db, dialect)

	// 2. メトリクス
	c.registry = prometheus.NewRegistry()
	c.collector = metrics.NewCollector(c.registry)

	// 3. リモートAPIクライアント
	limiter := ratelimit.NewSlidingWindow(cfg.RemoteMaxRequests, cfg.RemoteWindow)
	tr := transport.New(transport.Config{
		ConnectTimeout:   cfg.ConnectTimeout,
		ReadTimeout:      cfg.ReadTimeout,
		MaxRetries:       cfg.MaxRetries,
		BaseDelay:        cfg.RetryBaseDelay,
		MaxDelay:         cfg.RetryMaxDelay,
		BreakerName:      "discogs",
		BreakerTripAfter: uint32(cfg.BreakerTripAfter),
		BreakerTimeout:   cfg.BreakerTimeout,
	}, limiter, c.collector, log)

	c.sanitizer = security.NewTextSanitizer()
	c.client = discogs.NewClient(tr, discogs.Config{
		BaseURL:  cfg.DiscogsBaseURL,
		Username: cfg.DiscogsUsername,
		Token:    cfg.DiscogsToken,
		FolderID: cfg.DiscogsFolderID,
		PerPage:  cfg.DiscogsPerPage,
	}, c.sanitizer, log)

	// 4. 選曲エンジン
	algorithmFile, err := config.LoadAlgorithmFile(cfg.AlgorithmConfigFile)
	if err != nil {
		db.Close()
		return nil, err
	}
	assigner := experiment.NewAssigner(algorithmFile, assignments, log)
	c.engine = selection.NewEngine(c.records, c.selectionLog, assigner, c.collector, log)

	// 5. 同期
	c.orchestrator = syncer.NewOrchestrator(
		c.client, c.records, c.syncLog, bookmarks, c.engine, c.collector, log,
		syncer.Config{
			MaxErrors: cfg.SyncMaxErrors,
			LogEvery:  cfg.SyncLogEvery,
		},
	)

	return c, nil
}

// runServe はAPIサーバーモードで起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.db.Close()

	// 履歴の復元に失敗しても空の履歴で起動する
	if err := c.engine.Rehydrate(ctx); err != nil {
		slog.Warn("選曲履歴の復元に失敗しました", slog.String("error", err.Error()))
	}

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		c.engine.Start(ctx, cfg.CacheRefreshInterval)
	}()

	if cfg.SyncInterval > 0 {
		go c.orchestrator.RunPeriodic(ctx, cfg.SyncInterval)
	}

	cleanupJob := cleanup.NewCleanupJob(c.selectionLog, c.collector, slog.Default(), cfg.SelectionLogRetentionDays)
	go cleanupJob.Start(ctx, cleanupInterval)

	rateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig(cfg.RateLimitGeneral))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		Session: middleware.SessionConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		RateLimiter:    rateLimiter,
		HTTPRecorder:   c.collector,
		MetricsHandler: metrics.Handler(c.registry),
		HealthChecker:  c.db,

		Sync:        c.orchestrator,
		SyncHistory: c.syncLog,
		Connection:  c.client,

		Selection: c.engine,
		Records:   c.records,
		Player:    c.engine,
		Sanitizer: c.sanitizer,
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
	case <-ctx.Done():
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// 実行中の同期は中断して終端状態を記録させる
	if c.orchestrator.Status().Status == model.SyncStatusRunning {
		_ = c.orchestrator.Cancel()
		if _, err := c.orchestrator.Wait(shutdownCtx); err != nil {
			slog.Warn("同期の停止待ちがタイムアウトしました", slog.String("error", err.Error()))
		}
	}
	stop()
	<-engineDone

	slog.Info("API server stopped gracefully")
	return nil
}

// runSync は接続確認の後、フォアグラウンドで同期を1回実行し結果を表で出力する。
// 同期がfailedで終わった場合はエラーを返す。
func runSync(cfg *config.Config, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	fs.SetOutput(out)
	full := fs.Bool("full", false, "ブックマークを無視して全件同期する")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.db.Close()

	checkCtx, cancel := context.WithTimeout(ctx, identityTimeout)
	identity, err := c.client.Identity(checkCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("remote connection check failed: %w", err)
	}
	slog.Info("リモートAPIへの接続を確認しました", slog.String("username", identity.Username))

	if err := c.orchestrator.Start(ctx, *full); err != nil {
		return fmt.Errorf("failed to start sync: %w", err)
	}

	// シグナル受信時は同期をキャンセルし、終端状態を待つ
	go func() {
		<-ctx.Done()
		_ = c.orchestrator.Cancel()
	}()

	state, err := c.orchestrator.Wait(context.Background())
	if err != nil {
		return fmt.Errorf("failed to wait for sync: %w", err)
	}

	fmt.Fprintln(out, renderSyncSummary(state))

	if state.Status == model.SyncStatusFailed {
		msg := "unknown error"
		if state.LastError != nil {
			msg = *state.LastError
		}
		return fmt.Errorf("sync failed: %s", msg)
	}
	return nil
}

// runHistory は同期履歴を新しい順に表形式で出力する。
func runHistory(cfg *config.Config, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(out)
	limit := fs.Int("limit", defaultHistorySize, "表示する件数")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return fmt.Errorf("limit must be positive: %d", *limit)
	}

	ctx := context.Background()
	db, dialect, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	entries, err := repository.NewSQLSyncLogRepo(db, dialect).ListRecent(ctx, *limit)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, renderSyncHistory(entries))
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	target := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(target)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
// 認証情報を含まないURL（SQLiteのファイルパスなど）はそのまま返す。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}
