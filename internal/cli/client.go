package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// StoryResponse — история из API.
type StoryResponse struct {
	ID               string `json:"id"`
	TotalEpisodes    int    `json:"total_episodes"`
	IsSerialized     bool   `json:"is_serialized"`
	ReleaseFrequency string `json:"release_frequency,omitempty"`
	StartDate        string `json:"start_date,omitempty"`
	Timezone         string `json:"timezone,omitempty"`
	IntervalSec      int64  `json:"custom_interval_sec,omitempty"`
	CronExpr         string `json:"custom_cron,omitempty"`
	NextReleaseAt    string `json:"next_release_at,omitempty"`
	CreatedAt        string `json:"created_at"`
}

// JobResponse — задание из API.
type JobResponse struct {
	Key           string `json:"key"`
	StoryID       string `json:"story_id"`
	EpisodeIndex  int    `json:"episode_index"`
	Status        string `json:"status"`
	ScheduledFor  string `json:"scheduled_for"`
	NextAttemptAt string `json:"next_attempt_at"`
	AttemptCount  int    `json:"attempt_count"`
	ClaimedBy     string `json:"claimed_by,omitempty"`
	LastError     string `json:"last_error,omitempty"`
}

// EpisodeResponse — эпизод из API.
type EpisodeResponse struct {
	Index        int          `json:"episode_index"`
	Status       string       `json:"status"`
	ScheduledFor string       `json:"scheduled_for,omitempty"`
	PublishedAt  string       `json:"published_at,omitempty"`
	Job          *JobResponse `json:"job,omitempty"`
}

// ScheduleStatusResponse — состояние расписания истории из API.
type ScheduleStatusResponse struct {
	Story     StoryResponse     `json:"story"`
	Episodes  []EpisodeResponse `json:"episodes"`
	Published int               `json:"published"`
	Total     int               `json:"total"`
}

// CancelResponse — итог отмены расписания.
type CancelResponse struct {
	StoryID   string   `json:"story_id"`
	Cancelled int      `json:"cancelled"`
	Keys      []string `json:"keys"`
}

// HealthResponse — состояние планировщика.
type HealthResponse struct {
	Counts       map[string]int `json:"counts"`
	NextDueAt    string         `json:"next_due_at,omitempty"`
	Terminal     []string       `json:"terminal"`
	QueueLength  int            `json:"queue_length"`
	QueueNextDue string         `json:"queue_next_due,omitempty"`
}

// --- Request types ---

// ScheduleRequest — политика выпуска.
type ScheduleRequest struct {
	ReleaseFrequency string `json:"release_frequency"`
	StartDate        string `json:"start_date"`
	Timezone         string `json:"timezone,omitempty"`
	IntervalSec      int64  `json:"custom_interval_sec,omitempty"`
	CronExpr         string `json:"custom_cron,omitempty"`
}

// CreateStoryRequest — регистрация истории.
type CreateStoryRequest struct {
	ID            string           `json:"id"`
	TotalEpisodes int              `json:"total_episodes"`
	Schedule      *ScheduleRequest `json:"schedule,omitempty"`
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// APIError — ошибка, которую вернул API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// --- Client ---

// Client — HTTP-клиент для Serial API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// --- Stories ---

// RegisterStory регистрирует историю.
func (c *Client) RegisterStory(req CreateStoryRequest) (*ScheduleStatusResponse, error) {
	var status ScheduleStatusResponse
	err := c.post("/api/v1/stories", req, &status)
	return &status, err
}

// --- Schedules ---

// GetSchedule возвращает состояние расписания истории.
func (c *Client) GetSchedule(storyID string) (*ScheduleStatusResponse, error) {
	var status ScheduleStatusResponse
	err := c.get(storyPath(storyID), &status)
	return &status, err
}

// CreateSchedule создаёт расписание истории.
func (c *Client) CreateSchedule(storyID string, req ScheduleRequest) (*ScheduleStatusResponse, error) {
	var status ScheduleStatusResponse
	err := c.post(storyPath(storyID), req, &status)
	return &status, err
}

// CancelSchedule снимает расписание истории.
func (c *Client) CancelSchedule(storyID string) (*CancelResponse, error) {
	var result CancelResponse
	err := c.doData(http.MethodDelete, storyPath(storyID), nil, &result)
	return &result, err
}

// --- Scheduler ---

// Health возвращает состояние планировщика.
func (c *Client) Health() (*HealthResponse, error) {
	var health HealthResponse
	err := c.get("/api/v1/scheduler/health", &health)
	return &health, err
}

// RetryJob возвращает FAILED_TERMINAL задание в работу.
func (c *Client) RetryJob(key string) (*JobResponse, error) {
	var job JobResponse
	err := c.post("/api/v1/jobs/"+url.PathEscape(key)+"/retry", nil, &job)
	return &job, err
}

func storyPath(storyID string) string {
	return "/api/v1/stories/" + url.PathEscape(storyID) + "/schedule"
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) doData(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	// 204 No Content
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil || er.Error.Code == "" {
		return &APIError{
			Status:  resp.StatusCode,
			Code:    "HTTP_" + strconv.Itoa(resp.StatusCode),
			Message: http.StatusText(resp.StatusCode),
		}
	}

	return &APIError{Status: resp.StatusCode, Code: er.Error.Code, Message: er.Error.Message}
}
