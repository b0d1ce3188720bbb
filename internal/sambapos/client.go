package sambapos

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/appetiteclub/kds/internal/kds"
	"github.com/appetiteclub/kds/internal/logging"
	"golang.org/x/oauth2"
)

const (
	DefaultTableEntityType = "Tables"
	DefaultCoversTag       = "Covers"
	defaultTimeout         = 10 * time.Second
	maxResponseBytes       = 8 << 20
)

const openTicketsQuery = `query OpenTickets {
  tickets: getTickets(isClosed: false) {
    id
    uid
    number
    date
    lastUpdateTime
    totalAmount
    entities { type name }
    tags { tagName tag }
    orders { id }
  }
}`

type Config struct {
	BaseURL  string
	ClientID string
	Username string
	Password string

	TableEntityType string
	CoversTag       string
	Timeout         time.Duration
}

// Client reads open tickets from the SambaPOS GraphQL API.
type Client struct {
	cfg        Config
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
}

var _ kds.TicketSource = (*Client)(nil)

type Option func(*clientOptions)

type clientOptions struct {
	base *http.Client
}

// WithHTTPClient sets the client used for both token and API requests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *clientOptions) { o.base = c }
}

// NewClient builds a client. When a username is configured every request
// carries a bearer token obtained with the OAuth2 password grant from
// {base}/Token; the token is reused until it expires.
func NewClient(cfg Config, logger *slog.Logger, opts ...Option) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("sambapos base URL is required")
	}
	if cfg.TableEntityType == "" {
		cfg.TableEntityType = DefaultTableEntityType
	}
	if cfg.CoversTag == "" {
		cfg.CoversTag = DefaultCoversTag
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	o := clientOptions{base: &http.Client{Timeout: cfg.Timeout}}
	for _, opt := range opts {
		opt(&o)
	}

	httpClient := o.base
	if cfg.Username != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, o.base)
		src := &passwordSource{
			ctx: ctx,
			conf: &oauth2.Config{
				ClientID: cfg.ClientID,
				Endpoint: oauth2.Endpoint{
					TokenURL:  base + "/Token",
					AuthStyle: oauth2.AuthStyleInParams,
				},
			},
			username: cfg.Username,
			password: cfg.Password,
		}
		httpClient = oauth2.NewClient(ctx, oauth2.ReuseTokenSource(nil, src))
		httpClient.Timeout = cfg.Timeout
	}

	return &Client{
		cfg:        cfg,
		endpoint:   base + "/api/graphql",
		httpClient: httpClient,
		logger:     logging.OrDiscard(logger),
	}, nil
}

// passwordSource fetches a fresh token with the resource owner password
// grant each time the cached one expires.
type passwordSource struct {
	ctx      context.Context
	conf     *oauth2.Config
	username string
	password string
}

func (s *passwordSource) Token() (*oauth2.Token, error) {
	tok, err := s.conf.PasswordCredentialsToken(s.ctx, s.username, s.password)
	if err != nil {
		return nil, fmt.Errorf("cannot obtain sambapos token: %w", err)
	}
	return tok, nil
}

type graphQLRequest struct {
	Query string `json:"query"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type ticketsResponse struct {
	Data struct {
		Tickets []ticketDTO `json:"tickets"`
	} `json:"data"`
	Errors []graphQLError `json:"errors"`
}

type ticketDTO struct {
	ID             int64   `json:"id"`
	UID            string  `json:"uid"`
	Number         string  `json:"number"`
	Date           string  `json:"date"`
	LastUpdateTime string  `json:"lastUpdateTime"`
	TotalAmount    float64 `json:"totalAmount"`
	Entities       []struct {
		Type string `json:"type"`
		Name string `json:"name"`
	} `json:"entities"`
	Tags []struct {
		TagName string `json:"tagName"`
		Tag     string `json:"tag"`
	} `json:"tags"`
	Orders []struct {
		ID int64 `json:"id"`
	} `json:"orders"`
}

// ListOpenTickets returns every open POS ticket. A SambaPOS instance serves
// a single kitchen, so kitchenID only labels log lines.
func (c *Client) ListOpenTickets(ctx context.Context, kitchenID string) ([]kds.SnapshotTicket, error) {
	body, err := json.Marshal(graphQLRequest{Query: openTicketsQuery})
	if err != nil {
		return nil, fmt.Errorf("cannot encode query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sambapos request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("sambapos returned status %d", resp.StatusCode)
	}

	var out ticketsResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(out.Errors) > 0 {
		msgs := make([]string, 0, len(out.Errors))
		for _, e := range out.Errors {
			msgs = append(msgs, e.Message)
		}
		return nil, fmt.Errorf("sambapos query failed: %s", strings.Join(msgs, "; "))
	}

	tickets := make([]kds.SnapshotTicket, 0, len(out.Data.Tickets))
	for _, dto := range out.Data.Tickets {
		tickets = append(tickets, c.snapshot(dto))
	}

	c.logger.Debug("fetched open tickets", "kitchen_id", kitchenID, "count", len(tickets))
	return tickets, nil
}

func (c *Client) snapshot(dto ticketDTO) kds.SnapshotTicket {
	snap := kds.SnapshotTicket{
		SambaPOSTicketID: dto.ID,
		UID:              dto.UID,
		Number:           dto.Number,
		Total:            dto.TotalAmount,
		OpenedAt:         parseTime(dto.Date),
		LastUpdate:       parseTime(dto.LastUpdateTime),
	}

	for _, e := range dto.Entities {
		if strings.EqualFold(e.Type, c.cfg.TableEntityType) {
			snap.Table = e.Name
			break
		}
	}

	for _, tag := range dto.Tags {
		if !strings.EqualFold(tag.TagName, c.cfg.CoversTag) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(tag.Tag))
		if err != nil || n < 0 {
			c.logger.Debug("ignoring covers tag", "sambapos_ticket_id", dto.ID, "value", tag.Tag)
			break
		}
		snap.Covers = n
		break
	}

	if len(dto.Orders) > 0 {
		snap.OrderIDs = make([]int64, 0, len(dto.Orders))
		for _, o := range dto.Orders {
			snap.OrderIDs = append(snap.OrderIDs, o.ID)
		}
	}
	return snap
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// parseTime accepts RFC 3339 and the offset-less local timestamps older
// SambaPOS builds emit. Unparseable values yield the zero time.
func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t
		}
	}
	return time.Time{}
}
