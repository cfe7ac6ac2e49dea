package runner

var customBuckets = map[string][]float64{
	"sync_pass_duration_seconds": {
		0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600,
	},
}
