package controllers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v5"

	"github.com/datallboy/fetchq/internal/app"
	"github.com/datallboy/fetchq/internal/domain"
	"github.com/datallboy/fetchq/internal/engine"
	"github.com/datallboy/fetchq/internal/store"
)

type TransferController struct {
	App *app.Context
}

// CreateDownload enqueues in queue mode and answers 202 with the task ids.
// Simple and thread modes run the transfers before answering.
func (ctrl *TransferController) CreateDownload(c *echo.Context) error {
	var req DownloadRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}
	if len(req.URLs) == 0 {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "urls is required"})
	}

	mgr := ctrl.App.Manager
	method := string(mgr.Method())

	if mgr.Method() == engine.MethodQueue {
		fileName := ""
		if len(req.URLs) == 1 {
			fileName = req.FileName
		}

		// Nothing is queued unless every URL is valid
		for _, u := range req.URLs {
			if err := engine.ValidateTarget(u); err != nil {
				return ctrl.fail(c, err)
			}
		}

		ids := make([]string, 0, len(req.URLs))
		for _, u := range req.URLs {
			id, err := mgr.Enqueue(u, fileName, req.Priority)
			if err != nil {
				return ctrl.fail(c, err)
			}
			ids = append(ids, id)
		}
		return c.JSON(http.StatusAccepted, DownloadResponse{Method: method, TaskIDs: ids, Status: "queued"})
	}

	if err := mgr.Download(c.Request().Context(), req.URLs...); err != nil {
		return ctrl.fail(c, err)
	}
	return c.JSON(http.StatusOK, DownloadResponse{Method: method, Status: "completed"})
}

func (ctrl *TransferController) List(c *echo.Context) error {
	infos := ctrl.App.Manager.Transfers()
	views := make([]TransferView, 0, len(infos))
	for _, info := range infos {
		views = append(views, TransferView{TransferInfo: info, Progress: info.Progress()})
	}
	return c.JSON(http.StatusOK, views)
}

func (ctrl *TransferController) Pause(c *echo.Context) error {
	url, ok := bindURL(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "url is required"})
	}
	if err := ctrl.App.Manager.Pause(url); err != nil {
		return ctrl.fail(c, err)
	}
	return c.JSON(http.StatusOK, MessageResponse{Message: "Download paused"})
}

// Resume answers once the continuation is scheduled, or finished in simple mode.
func (ctrl *TransferController) Resume(c *echo.Context) error {
	url, ok := bindURL(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "url is required"})
	}
	if err := ctrl.App.Manager.Resume(c.Request().Context(), url); err != nil {
		return ctrl.fail(c, err)
	}
	return c.JSON(http.StatusOK, MessageResponse{Message: "Download resumed"})
}

func (ctrl *TransferController) Cancel(c *echo.Context) error {
	url, ok := bindURL(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "url is required"})
	}
	if err := ctrl.App.Manager.Cancel(url); err != nil {
		return ctrl.fail(c, err)
	}
	return c.JSON(http.StatusOK, MessageResponse{Message: "Download canceled and file removed"})
}

func (ctrl *TransferController) PauseAll(c *echo.Context) error {
	ctrl.App.Manager.PauseAll()
	return c.JSON(http.StatusOK, MessageResponse{Message: "All downloads paused"})
}

func (ctrl *TransferController) ResumeAll(c *echo.Context) error {
	if err := ctrl.App.Manager.ResumeAll(c.Request().Context()); err != nil {
		return ctrl.fail(c, err)
	}
	return c.JSON(http.StatusOK, MessageResponse{Message: "All downloads resumed"})
}

func (ctrl *TransferController) CancelAll(c *echo.Context) error {
	ctrl.App.Manager.CancelAll()
	return c.JSON(http.StatusOK, MessageResponse{Message: "All downloads canceled"})
}

// History lists recorded outcomes, newest first. 404 when no store is configured.
func (ctrl *TransferController) History(c *echo.Context) error {
	if ctrl.App.History == nil {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "download history is disabled"})
	}

	limit := store.DefaultHistoryLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "limit must be a positive integer"})
		}
		limit = n
	}

	rows, err := ctrl.App.History.History(c.Request().Context(), limit)
	if err != nil {
		return ctrl.fail(c, err)
	}
	if rows == nil {
		rows = []domain.Outcome{}
	}
	return c.JSON(http.StatusOK, rows)
}

func bindURL(c *echo.Context) (string, bool) {
	var req TransferRequest
	if err := c.Bind(&req); err != nil || req.URL == "" {
		return "", false
	}
	return req.URL, true
}

func (ctrl *TransferController) fail(c *echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidTarget):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrTransferNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrNotPaused):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrManagerClosed), errors.Is(err, domain.ErrSchedulerStopped):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		ctrl.App.Logger.Error("API request failed: %v", err)
	}
	return c.JSON(status, ErrorResponse{Error: err.Error()})
}
