package utils

import (
	"time"

	"github.com/mahirjain10/go-transcoder/internal/types"
)

const pattern = "status"

func InitStatusData(jobID string, params types.JobParameters, status string, errorMsg string) *types.StatusData {
	return &types.StatusData{
		JobID:     jobID,
		Bucket:    params.Bucket,
		Key:       params.Key,
		Sequencer: params.Sequencer,
		Status:    status,
		ErrorMsg:  errorMsg,
	}
}

// OutcomeStatusData builds the terminal status payload of a joined job.
func OutcomeStatusData(outcome types.JobOutcome) *types.StatusData {
	status := types.SUCCEEDED
	errorMsg := ""
	if !outcome.Succeeded() {
		status = types.FAILED
		errorMsg = FirstRenditionError(outcome)
	}
	data := InitStatusData(outcome.JobID, outcome.Params, status, errorMsg)
	data.Outputs = outcome.OutputKeys()
	data.Failed = outcome.Failed()
	return data
}

func InitStatusMessage(data *types.StatusData) *types.StatusMessage {
	return &types.StatusMessage{Pattern: pattern, Data: *data}
}

// RecordFromStatus turns a status payload into the job store record.
func RecordFromStatus(data *types.StatusData) types.JobRecord {
	return types.JobRecord{
		JobID:     data.JobID,
		Bucket:    data.Bucket,
		Key:       data.Key,
		Sequencer: data.Sequencer,
		Status:    data.Status,
		Outputs:   data.Outputs,
		Failed:    data.Failed,
		ErrorMsg:  data.ErrorMsg,
		UpdatedAt: time.Now().UTC(),
	}
}

func FirstRenditionError(outcome types.JobOutcome) string {
	for _, r := range outcome.Results {
		if !r.Succeeded() && r.Err != nil {
			return r.Resolution.Name + ": " + r.Err.Error()
		}
	}
	return ""
}
