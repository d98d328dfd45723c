package shared

import "time"

const (
	// Subfolders of the activity folder. Files inside them are never scanned
	// for upload.
	JunkDir       = "_junk"
	FailedDir     = "_failed"
	ProcessingDir = "_processing"

	// ActivityFileExt is matched case-insensitively when scanning.
	ActivityFileExt = ".fit"

	StravaUploadURL = "https://www.strava.com/api/v3/uploads"
	StravaAuthURL   = "https://www.strava.com/oauth/authorize"
	StravaTokenURL  = "https://www.strava.com/oauth/token"

	// Strava API defaults, adjusted at runtime from response headers.
	DefaultWindowLimit = 100
	DefaultDailyLimit  = 1000
	RateWindowSize     = 15 * time.Minute

	HistoryFile = "upload_history.json"
)
