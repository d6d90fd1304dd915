package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/masa-finance/ledger-relay/api/types"
	"github.com/masa-finance/ledger-relay/internal/delivery"
	"github.com/masa-finance/ledger-relay/internal/supervisor"
)

// submitMessage queues an inbound chat message for recording.
//
// The response body carries the id of the external call task; its result
// can be fetched from /tasks/:id once processed. A full queue answers 503.
func submitMessage(pipeline Pipeline) echo.HandlerFunc {
	return func(c echo.Context) error {
		msg := types.InboundMessage{}
		if err := c.Bind(&msg); err != nil {
			return c.JSON(http.StatusBadRequest, types.APIError{Error: "invalid request body"})
		}
		if strings.TrimSpace(msg.Target) == "" || strings.TrimSpace(msg.Content) == "" {
			return c.JSON(http.StatusBadRequest, types.APIError{Error: "target and content are required"})
		}

		id, err := pipeline.SubmitMessage(msg.Target, msg.Content, msg.Sender)
		if err != nil {
			return queueError(c, err)
		}
		return c.JSON(http.StatusAccepted, types.SubmitResponse{TaskID: id})
	}
}

func submitReply(pipeline Pipeline) echo.HandlerFunc {
	return func(c echo.Context) error {
		reply := types.OutboundReply{}
		if err := c.Bind(&reply); err != nil {
			return c.JSON(http.StatusBadRequest, types.APIError{Error: "invalid request body"})
		}
		if strings.TrimSpace(reply.Target) == "" || reply.Message == "" {
			return c.JSON(http.StatusBadRequest, types.APIError{Error: "target and message are required"})
		}

		id, err := pipeline.SendReply(reply.Target, reply.Message)
		if err != nil {
			return queueError(c, err)
		}
		return c.JSON(http.StatusAccepted, types.SubmitResponse{TaskID: id})
	}
}

func queueError(c echo.Context, err error) error {
	if errors.Is(err, delivery.ErrQueueFull) || errors.Is(err, delivery.ErrQueueClosed) {
		return c.JSON(http.StatusServiceUnavailable, types.APIError{Error: err.Error()})
	}
	logrus.WithError(err).Error("Failed to queue task")
	return c.JSON(http.StatusInternalServerError, types.APIError{Error: err.Error()})
}

// taskResult returns the result of a finished task. Tasks that are still
// queued or running, discarded tasks and expired results are all 404.
func taskResult(pipeline Pipeline) echo.HandlerFunc {
	return func(c echo.Context) error {
		result, ok := pipeline.Result(c.Param("id"))
		if !ok {
			return c.JSON(http.StatusNotFound, types.APIError{Error: "task result not found"})
		}
		return c.JSON(http.StatusOK, result)
	}
}

func queueStatus(pipeline Pipeline) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"queue":    pipeline.QueueStatus(),
			"pipeline": pipeline.Info(),
		})
	}
}

type settingsRequest struct {
	AutoReply     *bool   `json:"auto_reply,omitempty"`
	ReplyTemplate *string `json:"reply_template,omitempty"`
}

func updateSettings(pipeline Pipeline) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := settingsRequest{}
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, types.APIError{Error: "invalid request body"})
		}
		if req.ReplyTemplate != nil && !strings.Contains(*req.ReplyTemplate, delivery.ResultPlaceholder) {
			return c.JSON(http.StatusBadRequest, types.APIError{Error: "reply_template must contain " + delivery.ResultPlaceholder})
		}

		if req.AutoReply != nil {
			pipeline.SetAutoReply(*req.AutoReply)
		}
		if req.ReplyTemplate != nil {
			pipeline.SetReplyTemplate(*req.ReplyTemplate)
		}
		return c.JSON(http.StatusOK, pipeline.Info())
	}
}

func listServices(sup Supervisor) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, sup.Records())
	}
}

func getService(sup Supervisor) echo.HandlerFunc {
	return func(c echo.Context) error {
		record, ok := sup.Record(c.Param("name"))
		if !ok {
			return c.JSON(http.StatusNotFound, types.APIError{Error: supervisor.ErrServiceNotFound.Error()})
		}
		return c.JSON(http.StatusOK, record)
	}
}

// checkService runs a health check right away and returns its result. The
// check counts towards the service's failure budget like a scheduled one.
func checkService(sup Supervisor) echo.HandlerFunc {
	return func(c echo.Context) error {
		result, err := sup.ForceCheck(c.Param("name"))
		if err != nil {
			return supervisorError(c, err)
		}
		return c.JSON(http.StatusOK, result)
	}
}

func recoverService(sup Supervisor) echo.HandlerFunc {
	return func(c echo.Context) error {
		name := c.Param("name")
		if err := sup.ForceRecover(name); err != nil {
			return supervisorError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]string{"service": name, "status": "recovered"})
	}
}

func resetService(sup Supervisor) echo.HandlerFunc {
	return func(c echo.Context) error {
		name := c.Param("name")
		if err := sup.ResetStats(name); err != nil {
			return supervisorError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]string{"service": name, "status": "reset"})
	}
}

func supervisorError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, supervisor.ErrServiceNotFound):
		status = http.StatusNotFound
	case errors.Is(err, supervisor.ErrNoRecoverer):
		status = http.StatusConflict
	case errors.Is(err, supervisor.ErrRecoveryLimit):
		status = http.StatusTooManyRequests
	}
	return c.JSON(status, types.APIError{Error: err.Error()})
}

func supervisorStats(sup Supervisor) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"monitoring": sup.IsMonitoring(),
			"stats":      sup.Stats(),
			"health":     sup.CheckHealth(),
		})
	}
}
