package controllers

import "github.com/datallboy/fetchq/internal/domain"

type DownloadRequest struct {
	URLs     []string `json:"urls"`
	FileName string   `json:"file_name,omitempty"` // only honored for a single URL
	Priority int      `json:"priority,omitempty"`
}

type DownloadResponse struct {
	Method  string   `json:"method"`
	TaskIDs []string `json:"task_ids,omitempty"`
	Status  string   `json:"status"`
}

type TransferRequest struct {
	URL string `json:"url"`
}

type TransferView struct {
	domain.TransferInfo
	Progress float64 `json:"progress"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
