package api

import (
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"forest-sequencer/common"
	"forest-sequencer/log"
	"forest-sequencer/metric"
	"github.com/gin-gonic/gin"
)

var (
	errHistoryDisabled = errors.New("history database not configured")
	errMirrorDisabled  = errors.New("blacklist mirror not configured")
)

func successResponse(c *gin.Context, status int, message string, data ...interface{}) {
	response := gin.H{
		"message": message,
	}
	if len(data) > 0 {
		response["data"] = data[0]
	}
	c.JSON(status, response)
}

func errorResponse(c *gin.Context, status int, message string, err error) {
	c.JSON(status, gin.H{
		"message": message,
		"error":   common.Unwrap(err).Error(),
		"class":   string(common.ClassOf(err)),
	})
}

// retError writes the response of a failed request, choosing the status
// from the class of err
func retError(c *gin.Context, message string, err error) {
	cause := common.Unwrap(err)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(cause, common.ErrQueueNotFound), errors.Is(cause, sql.ErrNoRows):
		status = http.StatusNotFound
	case errors.Is(cause, errHistoryDisabled), errors.Is(cause, errMirrorDisabled):
		status = http.StatusNotImplemented
	case common.IsErrDone(err):
		status = http.StatusServiceUnavailable
	default:
		switch common.ClassOf(err) {
		case common.ClassEligibility:
			status = http.StatusBadRequest
		case common.ClassIntegrity:
			status = http.StatusUnprocessableEntity
		case common.ClassCapacity, common.ClassReplay:
			status = http.StatusConflict
		}
	}
	if status == http.StatusInternalServerError {
		log.Errorw("api request failed", "path", c.FullPath(), "err", err)
	} else {
		log.Debugw("api request rejected", "path", c.FullPath(), "err", err)
	}
	errorResponse(c, status, message, err)
}

// retBadRequest writes the response of a request that could not be parsed
func retBadRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"message": "invalid request",
		"error":   common.Unwrap(err).Error(),
	})
}

func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		metric.APIRequests.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
		log.Debugw("api request", "route", route, "status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// parseBigInt parses a decimal or 0x prefixed hexadecimal integer
func parseBigInt(name, s string) (*big.Int, error) {
	base := 10
	digits := s
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		base = 16
		digits = s[2:]
	}
	v, ok := new(big.Int).SetString(digits, base)
	if !ok || digits == "" {
		return nil, common.Wrap(fmt.Errorf("%s: invalid integer %q", name, s))
	}
	return v, nil
}

func parseBigInts(name string, ss []string) ([]*big.Int, error) {
	vs := make([]*big.Int, len(ss))
	for i, s := range ss {
		v, err := parseBigInt(fmt.Sprintf("%s[%d]", name, i), s)
		if err != nil {
			return nil, common.Wrap(err)
		}
		vs[i] = v
	}
	return vs, nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

func bigStrings(vs []*big.Int) []string {
	ss := make([]string, len(vs))
	for i, v := range vs {
		ss[i] = bigString(v)
	}
	return ss
}

func parseUintParam(c *gin.Context, name string, bits int) (uint64, error) {
	v, err := strconv.ParseUint(c.Param(name), 10, bits)
	if err != nil {
		return 0, common.Wrap(fmt.Errorf("%s: %w", name, err))
	}
	return v, nil
}
