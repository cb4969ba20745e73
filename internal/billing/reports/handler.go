package reports

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/coachdesk/coachdesk/internal/billing"
	"github.com/coachdesk/coachdesk/internal/platform/httpx"
)

// Handler serves the reporting endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
	dueDays int
}

// NewHandler constructs the reporting handler. dueDays is the default window for /due.
func NewHandler(logger *slog.Logger, service *Service, dueDays int) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, dueDays: dueDays}
}

// MountRoutes registers reporting routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/history", h.history)
	r.Get("/stats", h.stats)
	r.Get("/due", h.due)
}

type historyView struct {
	Entries     []billing.EntryView `json:"entries"`
	TotalAmount string              `json:"totalAmount"`
	Count       int                 `json:"count"`
}

type monthlyView struct {
	Month int    `json:"month"`
	Total string `json:"total"`
	Count int    `json:"count"`
}

type clientTotalView struct {
	ClientID int64  `json:"clientId"`
	Name     string `json:"name"`
	Total    string `json:"total"`
	Count    int    `json:"count"`
}

type statsView struct {
	Year        int               `json:"year"`
	Monthly     []monthlyView     `json:"monthly"`
	YearlyTotal string            `json:"yearlyTotal"`
	TopClients  []clientTotalView `json:"topClients"`
}

type dueView struct {
	ClientID     int64             `json:"clientId"`
	Name         string            `json:"name"`
	Email        string            `json:"email"`
	Amount       string            `json:"amount"`
	Frequency    billing.Frequency `json:"frequency"`
	NextDueDate  string            `json:"nextDueDate"`
	DaysUntilDue int               `json:"daysUntilDue"`
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	filter, fields := parseHistoryFilter(r.URL.Query())
	if len(fields) > 0 {
		httpx.ValidationProblem(w, fields)
		return
	}
	result, err := h.service.History(r.Context(), filter)
	if err != nil {
		billing.WriteError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, historyView{
		Entries:     lo.Map(result.Entries, func(e billing.LedgerEntry, _ int) billing.EntryView { return billing.NewEntryView(e) }),
		TotalAmount: result.TotalAmount.StringFixed(2),
		Count:       result.Count,
	})
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fields := map[string]string{}
	year := h.service.Today().Year()
	if raw := q.Get("year"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			fields["year"] = "must be an integer"
		}
		year = v
	}
	top := 0
	if raw := q.Get("top"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			fields["top"] = "must be an integer"
		}
		top = v
	}
	if len(fields) > 0 {
		httpx.ValidationProblem(w, fields)
		return
	}
	stats, err := h.service.Stats(r.Context(), year, top)
	if err != nil {
		billing.WriteError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, statsView{
		Year: stats.Year,
		Monthly: lo.Map(stats.Monthly, func(m MonthlyTotal, _ int) monthlyView {
			return monthlyView{Month: m.Month, Total: m.Total.StringFixed(2), Count: m.Count}
		}),
		YearlyTotal: stats.YearlyTotal.StringFixed(2),
		TopClients: lo.Map(stats.TopClients, func(c ClientTotal, _ int) clientTotalView {
			return clientTotalView{ClientID: c.ClientID, Name: c.Name, Total: c.Total.StringFixed(2), Count: c.Count}
		}),
	})
}

func (h *Handler) due(w http.ResponseWriter, r *http.Request) {
	days := h.dueDays
	if raw := r.URL.Query().Get("days"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			httpx.ValidationProblem(w, map[string]string{"days": "must be an integer"})
			return
		}
		days = v
	}
	due, err := h.service.DueSoon(r.Context(), days)
	if err != nil {
		billing.WriteError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, lo.Map(due, func(d DueClient, _ int) dueView {
		return dueView{
			ClientID:     d.ClientID,
			Name:         d.Name,
			Email:        d.Email,
			Amount:       d.Amount.StringFixed(2),
			Frequency:    d.Frequency,
			NextDueDate:  d.NextDueDate.Format(time.DateOnly),
			DaysUntilDue: d.DaysUntilDue,
		}
	}))
}

func parseHistoryFilter(q url.Values) (HistoryFilter, map[string]string) {
	var f HistoryFilter
	fields := map[string]string{}
	intParam := func(name string) *int {
		raw := q.Get(name)
		if raw == "" {
			return nil
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			fields[name] = "must be an integer"
			return nil
		}
		return &v
	}
	dateParam := func(name string) *time.Time {
		raw := q.Get(name)
		if raw == "" {
			return nil
		}
		v, err := billing.ParseDate(raw)
		if err != nil {
			fields[name] = "must be a date formatted YYYY-MM-DD"
			return nil
		}
		return &v
	}
	if raw := q.Get("clientId"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			fields["clientId"] = "must be an integer"
		} else {
			f.ClientID = &v
		}
	}
	f.Year = intParam("year")
	f.Month = intParam("month")
	f.From = dateParam("from")
	f.To = dateParam("to")
	if limit := intParam("limit"); limit != nil {
		f.Limit = *limit
		if *limit <= 0 {
			fields["limit"] = fmt.Sprintf("must be between 1 and %d", MaxHistoryLimit)
		}
	}
	return f, fields
}
