package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"campus-library/library"
)

type pageQuery struct {
	Page     int `form:"page"`
	PageSize int `form:"pageSize"`
}

type searchQuery struct {
	pageQuery
	Q             string `form:"q"`
	Filter        string `form:"filter"`
	AvailableOnly bool   `form:"availableOnly"`
}

type borrowBody struct {
	BorrowerName  string `json:"borrowerName" binding:"required"`
	BorrowerEmail string `json:"borrowerEmail"`
	BorrowerPhone string `json:"borrowerPhone"`
	DueDate       string `json:"dueDate" binding:"required"`
	Notes         string `json:"notes"`
}

type reserveBody struct {
	ReserverName  string `json:"reserverName" binding:"required"`
	ReserverEmail string `json:"reserverEmail"`
	ReserverPhone string `json:"reserverPhone"`
}

type phoneBody struct {
	PhoneNumber string `json:"phoneNumber" binding:"required"`
}

type loginBody struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *handler) health(c *gin.Context) {
	if err := h.lm.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ------------------ Catalog ------------------

func (h *handler) listBooks(c *gin.Context) {
	var q searchQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		h.bindError(c, err)
		return
	}
	page, err := h.lm.SearchBooks(c.Request.Context(), library.SearchFilters{
		Query:         q.Q,
		Filter:        library.FilterType(q.Filter),
		AvailableOnly: q.AvailableOnly,
		Page:          q.Page,
		PageSize:      q.PageSize,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *handler) getBook(c *gin.Context) {
	b, err := h.lm.GetBook(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *handler) addBook(c *gin.Context) {
	var nb library.NewBook
	if err := c.ShouldBindJSON(&nb); err != nil {
		h.bindError(c, err)
		return
	}
	b, err := h.lm.AddBook(c.Request.Context(), nb)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, b)
}

func (h *handler) updateBook(c *gin.Context) {
	var u library.BookUpdate
	if err := c.ShouldBindJSON(&u); err != nil {
		h.bindError(c, err)
		return
	}
	b, err := h.lm.UpdateBook(c.Request.Context(), c.Param("id"), u)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *handler) deleteBook(c *gin.Context) {
	if err := h.lm.DeleteBook(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ------------------ Circulation ------------------

// parseDueDate accepts a calendar date, due at the end of that day, or a
// full RFC 3339 timestamp.
func parseDueDate(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if d, err := time.ParseInLocation(time.DateOnly, s, loc); err == nil {
		return d.Add(24*time.Hour - time.Second), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, &library.ValidationError{Field: "dueDate", Message: "must be YYYY-MM-DD or an RFC 3339 timestamp"}
	}
	return t, nil
}

func (h *handler) borrowBook(c *gin.Context) {
	var body borrowBody
	if err := c.ShouldBindJSON(&body); err != nil {
		h.bindError(c, err)
		return
	}
	due, err := parseDueDate(body.DueDate, h.lm.Now().Location())
	if err != nil {
		h.writeError(c, err)
		return
	}
	issuer := ""
	if state := GetAuthState(c); state.User != nil {
		issuer = state.User.ID
	}
	rec, err := h.lm.BorrowBook(c.Request.Context(), library.BorrowRequest{
		BookID:        c.Param("id"),
		BorrowerName:  body.BorrowerName,
		BorrowerEmail: body.BorrowerEmail,
		BorrowerPhone: body.BorrowerPhone,
		DueDate:       due,
		Notes:         body.Notes,
		IssuedBy:      issuer,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (h *handler) returnBook(c *gin.Context) {
	rec, err := h.lm.ReturnBook(c.Request.Context(), c.Param("id"))
	if errors.Is(err, library.ErrInconsistentState) {
		status, body := h.classify(err)
		body.Record = rec
		c.AbortWithStatusJSON(status, body)
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *handler) activeLoans(c *gin.Context) {
	loans, err := h.lm.ActiveLoans(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": loans})
}

func (h *handler) loanHistory(c *gin.Context) {
	var q pageQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		h.bindError(c, err)
		return
	}
	page, err := h.lm.BorrowingHistory(c.Request.Context(), q.Page, q.PageSize)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *handler) overdueSweep(c *gin.Context) {
	n, err := h.lm.RefreshOverdue(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": n})
}

// ------------------ Reservations ------------------

func (h *handler) reserveBook(c *gin.Context) {
	var body reserveBody
	if err := c.ShouldBindJSON(&body); err != nil {
		h.bindError(c, err)
		return
	}
	r, err := h.lm.ReserveBook(c.Request.Context(), library.ReserveRequest{
		BookID:        c.Param("id"),
		ReserverName:  body.ReserverName,
		ReserverEmail: body.ReserverEmail,
		ReserverPhone: body.ReserverPhone,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

func (h *handler) listReservations(c *gin.Context) {
	var q struct {
		pageQuery
		ActiveOnly bool `form:"activeOnly"`
	}
	if err := c.ShouldBindQuery(&q); err != nil {
		h.bindError(c, err)
		return
	}
	page, err := h.lm.ListReservations(c.Request.Context(), q.ActiveOnly, q.Page, q.PageSize)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *handler) cancelReservation(c *gin.Context) {
	r, err := h.lm.CancelReservation(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *handler) fulfillReservation(c *gin.Context) {
	r, err := h.lm.FulfillReservation(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// ------------------ Auth ------------------

func (h *handler) phoneLookup(c *gin.Context) {
	var body phoneBody
	if err := c.ShouldBindJSON(&body); err != nil {
		h.bindError(c, err)
		return
	}
	res, err := h.lm.PhoneLookup(c.Request.Context(), body.PhoneNumber)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *handler) setupAccount(c *gin.Context) {
	var body library.SetupRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.bindError(c, err)
		return
	}
	state, err := h.lm.SetupAccount(c.Request.Context(), body)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *handler) login(c *gin.Context) {
	var body loginBody
	if err := c.ShouldBindJSON(&body); err != nil {
		h.bindError(c, err)
		return
	}
	state, err := h.lm.Login(c.Request.Context(), body.Username, body.Password)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *handler) logout(c *gin.Context) {
	if err := h.lm.Logout(c.Request.Context(), GetAuthState(c).Token); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, library.Anonymous())
}

func (h *handler) session(c *gin.Context) {
	c.JSON(http.StatusOK, GetAuthState(c))
}

// ------------------ Dashboard & notifications ------------------

func (h *handler) dashboard(c *gin.Context) {
	stats, err := h.lm.Stats(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *handler) sendDueReminders(c *gin.Context) {
	n, err := h.lm.SendDueReminders(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

func (h *handler) sendOverdueNotices(c *gin.Context) {
	n, err := h.lm.SendOverdueNotices(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

func (h *handler) listNotifications(c *gin.Context) {
	var q struct {
		Limit int `form:"limit"`
	}
	if err := c.ShouldBindQuery(&q); err != nil {
		h.bindError(c, err)
		return
	}
	items, err := h.lm.ListNotifications(c.Request.Context(), q.Limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}
