package client

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cuongbtq/jobengine/internal/domain"
)

// DecodeJobCursor parses an opaque page token; an empty token means the first page
func DecodeJobCursor(cursorStr string) (*domain.JobCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.URLEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, err
	}

	decodedParts := strings.Split(string(decoded), "|")
	if len(decodedParts) != 2 {
		return nil, fmt.Errorf("invalid cursor format")
	}

	createdAt, err := strconv.ParseInt(decodedParts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid createdAt in cursor: %w", err)
	}

	jobID, err := strconv.ParseInt(decodedParts[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid jobID in cursor: %w", err)
	}

	return &domain.JobCursor{
		Created: time.Unix(0, createdAt).UTC(),
		JobID:   jobID,
	}, nil
}

// EncodeJobCursor renders cursor as the token DecodeJobCursor accepts
func EncodeJobCursor(cursor *domain.JobCursor) string {
	cs := fmt.Sprintf("%d|%d", cursor.Created.UnixNano(), cursor.JobID)
	return base64.URLEncoding.EncodeToString([]byte(cs))
}
