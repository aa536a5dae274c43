package ingester

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	godatabend "github.com/datafuselabs/databend-go"

	"github.com/databendcloud/sync-dispatch/config"
	"github.com/databendcloud/sync-dispatch/pkg/models"
)

var (
	ErrUploadStageFailed = errors.New("upload stage failed")
	ErrCopyIntoFailed    = errors.New("copy into failed")
)

// DatabendIngester archives every handed-off change batch into a databend table, one
// NDJSON row per change. The table needs the columns of archivedChange.
type DatabendIngester struct {
	cfg           *config.Config
	db            *sql.DB
	httpClient    *http.Client
	statsRecorder *IngestStatsRecorder
	attempts      uint
	delay         time.Duration
}

type archivedChange struct {
	SyncID     string                 `json:"sync_id"`
	Table      string                 `json:"table_name"`
	Operation  string                 `json:"operation"`
	RowKey     string                 `json:"row_key"`
	Position   string                 `json:"position"`
	Row        map[string]interface{} `json:"row,omitempty"`
	OldRow     map[string]interface{} `json:"old_row,omitempty"`
	ObservedAt string                 `json:"observed_at"`
}

func NewDatabendIngester(cfg *config.Config) (*DatabendIngester, error) {
	db, err := sql.Open("databend", cfg.DatabendDSN)
	if err != nil {
		return nil, errors.Wrap(err, "open databend")
	}
	return &DatabendIngester{
		cfg: cfg,
		db:  db,
		httpClient:    &http.Client{Timeout: cfg.DatabendTimeout.Duration},
		statsRecorder: NewIngestStatsRecorder(),
		attempts:      5,
		delay:         time.Second,
	}, nil
}

func (ig *DatabendIngester) Close() error {
	return ig.db.Close()
}

func (ig *DatabendIngester) Handoff(ctx context.Context, syncID string, records []models.ChangeRecord) error {
	return ig.DoRetry(ctx, func() error {
		return ig.IngestData(ctx, syncID, records)
	})
}

func (ig *DatabendIngester) IngestData(ctx context.Context, syncID string, records []models.ChangeRecord) error {
	l := logrus.WithFields(logrus.Fields{"ingest_databend": "IngestData", "sync": syncID})
	startTime := time.Now()

	if len(records) == 0 {
		return nil
	}

	fileName, bytesSize, err := generateNDJSONFile(syncID, records)
	if err != nil {
		l.Errorf("generate NDJson file failed: %v", err)
		return err
	}

	stage, err := ig.uploadToStage(ctx, fileName)
	if err != nil {
		l.Errorf("upload to stage failed: %v", err)
		return err
	}

	copyIntoStartTime := time.Now()
	if err := ig.copyInto(ctx, stage); err != nil {
		l.Errorf("copy into failed: %v", err)
		return err
	}
	l.Infof("copy into cost: %v ms", time.Since(copyIntoStartTime).Milliseconds())
	ig.statsRecorder.RecordMetric(bytesSize, len(records))
	stats := ig.statsRecorder.Stats(time.Since(startTime))
	l.Infof("archived %d changes (%f rows/s), %d bytes (%f bytes/s)", len(records), stats.RowsPerSecond, bytesSize, stats.BytesPerSecond)
	return nil
}

func generateNDJSONFile(syncID string, records []models.ChangeRecord) (string, int, error) {
	f, err := os.CreateTemp("", fmt.Sprintf("changes-%s-*.ndjson", syncID))
	if err != nil {
		return "", 0, errors.Wrap(err, "create batch file failed")
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, r := range records {
		if err := enc.Encode(archivedChange{
			SyncID:     syncID,
			Table:      r.Table,
			Operation:  string(r.Operation),
			RowKey:     r.Key,
			Position:   r.Position,
			Row:        r.Row,
			OldRow:     r.OldRow,
			ObservedAt: r.ObservedAt.UTC().Format(time.RFC3339Nano),
		}); err != nil {
			_ = os.Remove(f.Name())
			return "", 0, errors.Wrap(err, "encode change")
		}
	}
	if err := w.Flush(); err != nil {
		_ = os.Remove(f.Name())
		return "", 0, errors.Wrap(err, "write batch file failed")
	}
	fi, err := f.Stat()
	if err != nil {
		_ = os.Remove(f.Name())
		return "", 0, errors.Wrap(err, "get batch file size failed")
	}
	return f.Name(), int(fi.Size()), nil
}

func (ig *DatabendIngester) uploadToStage(ctx context.Context, fileName string) (*godatabend.StageLocation, error) {
	defer func() {
		err := os.RemoveAll(fileName)
		if err != nil {
			logrus.Errorf("delete batch insert file failed: %v", err)
		}
	}()

	databendConfig, err := godatabend.ParseDSN(ig.cfg.DatabendDSN)
	if err != nil {
		return nil, err
	}
	apiClient := godatabend.NewAPIClientFromConfig(databendConfig)
	fi, err := os.Stat(fileName)
	if err != nil {
		return nil, errors.Wrap(err, "get batch file size failed")
	}
	size := fi.Size()

	f, err := os.Open(fileName)
	if err != nil {
		return nil, errors.Wrap(err, "open batch file failed")
	}
	defer f.Close()
	input := bufio.NewReader(f)
	stage := &godatabend.StageLocation{
		Name: ig.cfg.UserStage,
		Path: fmt.Sprintf("changes/%d-%s", time.Now().Unix(), filepath.Base(fileName)),
	}

	presignedStartTime := time.Now()
	presigned, err := apiClient.GetPresignedURL(ctx, stage)
	if err != nil {
		return nil, errors.Wrap(ErrUploadStageFailed, "failed to get presigned url: "+err.Error())
	}
	logrus.Debugf("get presigned url cost: %v ms", time.Since(presignedStartTime).Milliseconds())

	uploadByPresignedUrl := time.Now()
	if err := ig.UploadToStageByPresignURL(ctx, presigned, input, size); err != nil {
		return nil, errors.Wrap(ErrUploadStageFailed, err.Error())
	}
	logrus.Debugf("upload by presigned url cost: %v ms", time.Since(uploadByPresignedUrl).Milliseconds())

	return stage, nil
}

func (ig *DatabendIngester) UploadToStageByPresignURL(ctx context.Context, presignedResp *godatabend.PresignedResponse, input io.Reader, size int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, presignedResp.URL, input)
	if err != nil {
		return err
	}
	for k, v := range presignedResp.Headers {
		req.Header.Set(k, v)
	}
	req.ContentLength = size
	resp, err := ig.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to upload to stage by presigned url")
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return errors.Errorf("failed to upload to stage by presigned url, status code: %d, body: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func (ig *DatabendIngester) copyIntoSQL(stage *godatabend.StageLocation) string {
	return fmt.Sprintf("COPY INTO %s FROM %s FILE_FORMAT = (type = NDJSON missing_field_as = FIELD_DEFAULT COMPRESSION = AUTO) "+
		"PURGE = %v", ig.cfg.DatabendTable, stage.String(), ig.cfg.CopyPurge)
}

func (ig *DatabendIngester) copyInto(ctx context.Context, stage *godatabend.StageLocation) error {
	copyIntoSQL := ig.copyIntoSQL(stage)
	if _, err := ig.db.ExecContext(ctx, copyIntoSQL); err != nil {
		logrus.Errorf("exec '%s' failed, err: %v", copyIntoSQL, err)
		return errors.Wrap(ErrCopyIntoFailed, err.Error())
	}
	return nil
}

// DoRetry retries stage and copy failures with backoff until ctx ends.
func (ig *DatabendIngester) DoRetry(ctx context.Context, f retry.RetryableFunc) error {
	return retry.Do(
		func() error {
			return f()
		},
		retry.Context(ctx),
		retry.Attempts(ig.attempts),
		retry.RetryIf(func(err error) bool {
			if err == nil {
				return false
			}
			if errors.Is(err, ErrUploadStageFailed) || errors.Is(err, ErrCopyIntoFailed) {
				return true
			}
			return false
		}),
		retry.Delay(ig.delay),
		retry.MaxDelay(30*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
}
