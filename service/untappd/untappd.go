package untappd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/mikeydub/untappd-announcer/env"
	"github.com/mikeydub/untappd-announcer/service/tracing"
	"github.com/mikeydub/untappd-announcer/util/retry"
)

const defaultBaseURL = "https://api.untappd.com/v4"

func init() {
	env.RegisterValidation("UNTAPPD_CLIENT_ID", "required")
	env.RegisterValidation("UNTAPPD_CLIENT_SECRET", "required")
}

var ErrUserNotFound = errors.New("untappd user not found")

// Checkin is a single check-in as it appears in a user's feed.
type Checkin struct {
	ID          int64
	CreatedAt   time.Time
	BeerName    string
	BeerStyle   string
	BreweryName string
	RatingScore float64
}

type UserInfo struct {
	Username      string
	FirstName     string
	LastName      string
	TotalCheckins int
}

/*
GET /v4/user/checkins/{username}
{
	meta: { code: 200 },
	response: {
		checkins: {
			count: 25,
			items: [
				{
					checkin_id: 1311094473,
					created_at: "Sat, 20 Jan 2024 22:03:14 +0000",
					rating_score: 3.75,
					beer: { beer_name: "Heady Topper", beer_style: "IPA - Imperial / Double" },
					brewery: { brewery_name: "The Alchemist" }
				}
			]
		}
	}
}
*/

type meta struct {
	Code        int    `json:"code"`
	ErrorType   string `json:"error_type"`
	ErrorDetail string `json:"error_detail"`
}

type checkinItem struct {
	CheckinID   int64   `json:"checkin_id"`
	CreatedAt   string  `json:"created_at"`
	RatingScore float64 `json:"rating_score"`
	Beer        struct {
		BeerName  string `json:"beer_name"`
		BeerStyle string `json:"beer_style"`
	} `json:"beer"`
	Brewery struct {
		BreweryName string `json:"brewery_name"`
	} `json:"brewery"`
}

type feedResponse struct {
	Meta     meta `json:"meta"`
	Response struct {
		Checkins *struct {
			Count int           `json:"count"`
			Items []checkinItem `json:"items"`
		} `json:"checkins"`
	} `json:"response"`
}

type userInfoResponse struct {
	Meta     meta `json:"meta"`
	Response struct {
		User *struct {
			UserName  string `json:"user_name"`
			FirstName string `json:"first_name"`
			LastName  string `json:"last_name"`
			Stats     struct {
				TotalCheckins int `json:"total_checkins"`
			} `json:"stats"`
		} `json:"user"`
	} `json:"response"`
}

type Client struct {
	httpClient   *http.Client
	baseURL      string
	clientID     string
	clientSecret string
	retry        retry.Retry
}

// NewClient builds a client from UNTAPPD_* env vars. Every request is bounded by UNTAPPD_TIMEOUT.
func NewClient(ctx context.Context) *Client {
	baseURL := env.GetString(ctx, "UNTAPPD_API")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	timeout := time.Duration(env.GetInt(ctx, "UNTAPPD_TIMEOUT")) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return NewClientWithOptions(
		&http.Client{Timeout: timeout, Transport: tracing.NewTracingTransport(http.DefaultTransport, true)},
		baseURL,
		env.GetString(ctx, "UNTAPPD_CLIENT_ID"),
		env.GetString(ctx, "UNTAPPD_CLIENT_SECRET"),
	)
}

func NewClientWithOptions(httpClient *http.Client, baseURL, clientID, clientSecret string) *Client {
	return &Client{
		httpClient:   httpClient,
		baseURL:      baseURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		retry:        retry.DefaultRetry,
	}
}

// UserFeed returns the most recent page of a user's check-ins, newest first.
// A user with no check-ins yields an empty slice.
func (c *Client) UserFeed(ctx context.Context, username string) ([]Checkin, error) {
	var resp feedResponse
	if err := c.get(ctx, "/user/checkins/"+url.PathEscape(username), &resp); err != nil {
		return nil, err
	}

	if resp.Response.Checkins == nil {
		return nil, nil
	}

	checkins := make([]Checkin, 0, len(resp.Response.Checkins.Items))
	for _, item := range resp.Response.Checkins.Items {
		createdAt, err := time.Parse(time.RFC1123Z, item.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("checkin %d has malformed created_at %q: %w", item.CheckinID, item.CreatedAt, err)
		}
		checkins = append(checkins, Checkin{
			ID:          item.CheckinID,
			CreatedAt:   createdAt,
			BeerName:    item.Beer.BeerName,
			BeerStyle:   item.Beer.BeerStyle,
			BreweryName: item.Brewery.BreweryName,
			RatingScore: item.RatingScore,
		})
	}

	return checkins, nil
}

// UserInfo looks up a user's profile. Returns ErrUserNotFound if the user doesn't exist.
func (c *Client) UserInfo(ctx context.Context, username string) (UserInfo, error) {
	var resp userInfoResponse
	if err := c.get(ctx, "/user/info/"+url.PathEscape(username), &resp); err != nil {
		return UserInfo{}, err
	}

	if resp.Response.User == nil {
		return UserInfo{}, ErrUserNotFound
	}

	u := resp.Response.User
	return UserInfo{
		Username:      u.UserName,
		FirstName:     u.FirstName,
		LastName:      u.LastName,
		TotalCheckins: u.Stats.TotalCheckins,
	}, nil
}

func (c *Client) get(ctx context.Context, path string, into any) error {
	q := url.Values{}
	q.Set("client_id", c.clientID)
	q.Set("client_secret", c.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := retry.RetryRequestWithRetry(c.httpClient, req, c.retry)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrUserNotFound
	}

	if resp.StatusCode != http.StatusOK {
		bs, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		var body struct {
			Meta meta `json:"meta"`
		}
		if json.Unmarshal(bs, &body) == nil && body.Meta.ErrorType == "invalid_param" {
			return ErrUserNotFound
		}
		return fmt.Errorf("untappd returned status %d for %s (%s)", resp.StatusCode, path, bs)
	}

	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("failed to decode untappd response for %s: %w", path, err)
	}

	return nil
}
