package engine

// Stage numbers drive the progress bar. They increase monotonically through
// a run: 0 when accepted, 10+10*(i-1) onward for the i-th datasource,
// 10+10*N onward for the workbook, and at least 100 on completion. Failure
// is reported as -1.
const (
	StageAccepted = 0

	datasourceStart      = 0
	datasourceDownloaded = 1
	datasourcePublishing = 4
	datasourceConnection = 7
	datasourceDone       = 9

	workbookDownload   = 1
	workbookReferences = 10
	workbookPublish    = 20
	workbookTail       = 30
)

// datasourceBase returns the first stage of the i-th datasource (1-based).
func datasourceBase(i int) int {
	return 10 + (i-1)*10
}

// workbookBase returns the first stage of the workbook phase for n
// datasources.
func workbookBase(n int) int {
	return 10 + n*10
}

// completionStage returns the stage reported when a run with n datasources
// completes.
func completionStage(n int) int {
	return max(100, workbookBase(n)+workbookTail)
}
