package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"
)

// Коды завершения serial.
const (
	ExitOK       = 0
	ExitFailure  = 1
	ExitInvalid  = 2 // ошибка валидации запроса или флагов
	ExitNotFound = 3
	ExitConflict = 4 // история уже есть или расписание активно
)

// jobStatusOrder — порядок статусов заданий в выводе health.
var jobStatusOrder = []string{"PENDING", "RUNNING", "FAILED_RETRYING", "FAILED_TERMINAL", "DONE"}

const timeLayout = "2006-01-02 15:04 MST"

// Output форматирует ответы API: таблица для оператора или JSON для скриптов.
// Сообщения идут в errW, данные в w.
type Output struct {
	jsonMode bool
	loc      *time.Location
	w        io.Writer
	errW     io.Writer
}

// NewOutput создаёт вывод в stdout/stderr. Время показывается в loc,
// при nil — в локальной зоне оператора.
func NewOutput(jsonMode bool, loc *time.Location) *Output {
	if loc == nil {
		loc = time.Local
	}
	return &Output{
		jsonMode: jsonMode,
		loc:      loc,
		w:        os.Stdout,
		errW:     os.Stderr,
	}
}

// Notice пишет сообщение оператору. В JSON-режиме подавляется,
// чтобы stderr оставался пустым для успешных команд.
func (o *Output) Notice(format string, args ...any) {
	if o.jsonMode {
		return
	}
	fmt.Fprintf(o.errW, format+"\n", args...)
}

// Schedule выводит историю и её эпизоды с заданиями.
func (o *Output) Schedule(status *ScheduleStatusResponse) {
	if o.jsonMode {
		o.json(status)
		return
	}

	rows := make([][]string, len(status.Episodes))
	for i, ep := range status.Episodes {
		jobStatus, attempts, next := "-", "-", "-"
		if ep.Job != nil {
			jobStatus = ep.Job.Status
			attempts = strconv.Itoa(ep.Job.AttemptCount)
			if ep.Job.Status != "DONE" {
				next = o.Time(ep.Job.NextAttemptAt)
			}
		}
		rows[i] = []string{
			strconv.Itoa(ep.Index), ep.Status,
			o.Time(ep.ScheduledFor), o.Time(ep.PublishedAt),
			jobStatus, attempts, next,
		}
	}
	o.table([]string{"EPISODE", "STATUS", "SCHEDULED_FOR", "PUBLISHED_AT", "JOB", "ATTEMPTS", "NEXT_ATTEMPT"}, rows)
}

// Health выводит счётчики заданий по статусам и ключи, требующие вмешательства.
func (o *Output) Health(health *HealthResponse) {
	if o.jsonMode {
		o.json(health)
		return
	}

	o.Notice("Queue: %d jobs, next due %s; store next due %s",
		health.QueueLength, o.Time(health.QueueNextDue), o.Time(health.NextDueAt))
	for _, key := range health.Terminal {
		o.Notice("Needs attention: %s", key)
	}

	var rows [][]string
	for _, s := range jobStatusOrder {
		if n, ok := health.Counts[s]; ok {
			rows = append(rows, []string{s, strconv.Itoa(n)})
		}
	}
	// статусы, которых CLI не знает, в конце
	var unknown []string
	for s := range health.Counts {
		if !slices.Contains(jobStatusOrder, s) {
			unknown = append(unknown, s)
		}
	}
	slices.Sort(unknown)
	for _, s := range unknown {
		rows = append(rows, []string{s, strconv.Itoa(health.Counts[s])})
	}
	o.table([]string{"STATUS", "JOBS"}, rows)
}

// Job выводит одно задание.
func (o *Output) Job(job *JobResponse) {
	if o.jsonMode {
		o.json(job)
		return
	}

	lastErr := job.LastError
	if lastErr == "" {
		lastErr = "-"
	}
	o.table(
		[]string{"KEY", "STATUS", "SCHEDULED_FOR", "NEXT_ATTEMPT", "ATTEMPTS", "LAST_ERROR"},
		[][]string{{job.Key, job.Status, o.Time(job.ScheduledFor), o.Time(job.NextAttemptAt),
			strconv.Itoa(job.AttemptCount), lastErr}},
	)
}

// Cancelled выводит итог отмены расписания.
func (o *Output) Cancelled(result *CancelResponse) {
	if o.jsonMode {
		o.json(result)
		return
	}
	o.Notice("Schedule cancelled: %s (%d jobs)", result.StoryID, result.Cancelled)
	for _, key := range result.Keys {
		fmt.Fprintln(o.w, key)
	}
}

// Time переводит RFC 3339 из API в зону оператора.
// Пустое значение (nullable колонка) выводится как "-",
// нераспознанное — как есть.
func (o *Output) Time(s string) string {
	if s == "" {
		return "-"
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return s
	}
	return t.In(o.loc).Format(timeLayout)
}

// Fail сообщает об ошибке команды и возвращает код завершения.
// Ошибки API сохраняют свой код, в JSON-режиме ошибка пишется как в API.
func (o *Output) Fail(err error) int {
	if err == nil {
		return ExitOK
	}

	code, exit := "CLI_ERROR", ExitFailure
	message := err.Error()

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		code, message = apiErr.Code, apiErr.Message
		exit = exitCode(apiErr.Status)
	} else if isUsageError(err) {
		code, exit = "INVALID_ARGUMENT", ExitInvalid
	}

	if o.jsonMode {
		enc := json.NewEncoder(o.errW)
		enc.Encode(errorResponse{Error: errorBody{Code: code, Message: message}})
		return exit
	}
	fmt.Fprintln(o.errW, "Error: "+err.Error())
	return exit
}

func exitCode(status int) int {
	switch status {
	case http.StatusNotFound:
		return ExitNotFound
	case http.StatusConflict:
		return ExitConflict
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return ExitInvalid
	default:
		return ExitFailure
	}
}

// isUsageError узнаёт ошибки разбора флагов cobra и проверки policyFlags.
func isUsageError(err error) bool {
	msg := err.Error()
	return strings.HasPrefix(msg, "--") ||
		strings.Contains(msg, "flag") ||
		strings.Contains(msg, "arg(s)") ||
		strings.HasPrefix(msg, "unknown command")
}

func (o *Output) table(headers []string, rows [][]string) {
	tw := tabwriter.NewWriter(o.w, 0, 0, 2, ' ', 0)

	fmt.Fprintln(tw, strings.Join(headers, "\t"))

	seps := make([]string, len(headers))
	for i, h := range headers {
		seps[i] = strings.Repeat("-", len(h))
	}
	fmt.Fprintln(tw, strings.Join(seps, "\t"))

	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}

	tw.Flush()
}

func (o *Output) json(data any) {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}
