package notify

import "context"

// AlertMessage reports a run whose failed-row ratio crossed the alert
// threshold.
type AlertMessage struct {
	TenantID          string   `json:"tenant_id"`
	RunID             string   `json:"run_id"`
	Workbook          string   `json:"workbook"`
	Stage             string   `json:"stage"`
	RowsAligned       int      `json:"rows_aligned"`
	RowsSolved        int      `json:"rows_solved"`
	RowsFailed        int      `json:"rows_failed"`
	FailedRatio       float64  `json:"failed_ratio"`
	COPMean           *float64 `json:"cop_mean,omitempty"`
	ReportURL         string   `json:"report_url"`
	RecommendedAction string   `json:"recommended_action"`
}

type Notifier interface {
	Notify(ctx context.Context, msg AlertMessage) error
}
