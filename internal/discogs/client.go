// Package discogs はリモートのコレクションAPIからレコードを取得する機能を提供する。
// ページ単位の取得と、生データからRecordへの正規化を含む。
package discogs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/loydmilligan/vinylvault/internal/model"
	"github.com/loydmilligan/vinylvault/internal/transport"
)

const (
	// DefaultBaseURL はコレクションAPIのベースURL。
	DefaultBaseURL = "https://api.discogs.com"
	// DefaultPerPage は1ページあたりの取得件数。APIの上限は100件。
	DefaultPerPage = 100
	maxPerPage     = 100
)

// Getter はHTTP GETを実行する。transport.Transportが実装する。
type Getter interface {
	Get(ctx context.Context, rawURL string, header http.Header) (*transport.Response, error)
}

// Config はクライアントの接続設定を保持する。
type Config struct {
	BaseURL  string
	Username string
	Token    string
	// FolderID は取得対象のフォルダ。0は全フォルダを表す。
	FolderID int64
	PerPage  int
}

// Page はFetchPageの結果を表す。
type Page struct {
	Records       []model.Record
	Skipped       int
	HasMore       bool
	TotalEstimate int
	Page          int
	Pages         int
}

// Client はコレクションAPIのクライアント。
type Client struct {
	getter    Getter
	cfg       Config
	sanitizer TextSanitizer
	logger    *slog.Logger
	now       func() time.Time
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(getter Getter, cfg Config, sanitizer TextSanitizer, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.PerPage <= 0 || cfg.PerPage > maxPerPage {
		cfg.PerPage = DefaultPerPage
	}
	return &Client{
		getter:    getter,
		cfg:       cfg,
		sanitizer: sanitizer,
		logger:    logger,
		now:       time.Now,
	}
}

// FetchPage は指定ページ（1始まり）のレコードを取得して正規化する。
// 追加日の昇順で取得するため、中断したページから再開しても取りこぼしにくい。
// 1ページ目が空の場合はNotFoundエラーを返す。
// 正規化できなかった個別のレコードはスキップしてSkippedに数える。
func (c *Client) FetchPage(ctx context.Context, page int) (*Page, error) {
	if page < 1 {
		page = 1
	}

	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(c.cfg.PerPage))
	q.Set("sort", "added")
	q.Set("sort_order", "asc")
	reqURL := fmt.Sprintf("%s/users/%s/collection/folders/%d/releases?%s",
		c.cfg.BaseURL, url.PathEscape(c.cfg.Username), c.cfg.FolderID, q.Encode())

	resp, err := c.getter.Get(ctx, reqURL, c.authHeader())
	if err != nil {
		c.logger.Warn("コレクションページの取得に失敗しました",
			slog.Int("page", page),
			slog.String("kind", string(model.ErrorKindOf(err))),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	var body collectionResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, model.NewSourceError(model.KindAPI, resp.StatusCode, "レスポンスJSONのパースに失敗しました", err)
	}

	if page == 1 && len(body.Releases) == 0 {
		return nil, model.NewSourceError(model.KindNotFound, resp.StatusCode, "コレクションが空です", nil)
	}

	now := c.now()
	result := &Page{
		Records:       make([]model.Record, 0, len(body.Releases)),
		TotalEstimate: body.Pagination.Items,
		Page:          page,
		Pages:         body.Pagination.Pages,
		HasMore:       body.Pagination.Page < body.Pagination.Pages,
	}
	if body.Pagination.Page == 0 {
		result.HasMore = page < body.Pagination.Pages
	}

	for _, raw := range body.Releases {
		rec, err := Normalize(raw, c.sanitizer, now)
		if err != nil {
			result.Skipped++
			c.logger.Warn("レコードの正規化に失敗したためスキップしました",
				slog.Int("page", page),
				slog.String("error", err.Error()),
			)
			continue
		}
		result.Records = append(result.Records, rec)
	}

	return result, nil
}

// Identity は認証情報が有効か確認し、認証済みユーザーを返す。
func (c *Client) Identity(ctx context.Context) (*Identity, error) {
	resp, err := c.getter.Get(ctx, c.cfg.BaseURL+"/oauth/identity", c.authHeader())
	if err != nil {
		return nil, err
	}

	var body identityResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, model.NewSourceError(model.KindAPI, resp.StatusCode, "レスポンスJSONのパースに失敗しました", err)
	}
	if !strings.EqualFold(body.Username, c.cfg.Username) {
		c.logger.Warn("認証ユーザーと設定されたユーザー名が一致しません",
			slog.String("configured", c.cfg.Username),
			slog.String("authenticated", body.Username),
		)
	}

	return &Identity{ID: body.ID, Username: body.Username}, nil
}

func (c *Client) authHeader() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Discogs token="+c.cfg.Token)
	h.Set("Accept", "application/json")
	return h
}
