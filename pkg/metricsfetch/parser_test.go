package metricsfetch

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSkipsCommentsAndUnknownMetrics(t *testing.T) {
	body := `# HELP ant_node_records_stored number of records
# TYPE ant_node_records_stored gauge
ant_node_records_stored{peer="abc"} 42
some_unrelated_metric 7
ant_networking_connected_peers 12 1690000000000
`
	samples, err := Parse(strings.NewReader(body))
	require.NoError(t, err)
	require.Len(t, samples, 2)
	require.Equal(t, Sample{Key: "records", Value: "42"}, samples[0])
	require.Equal(t, Sample{Key: "connected_peers", Value: "12"}, samples[1])
}

func TestParseEmptyBody(t *testing.T) {
	samples, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	require.Len(t, samples, 0)
}

func TestParseLineStripsLabels(t *testing.T) {
	name, value, ok := parseLine(`ant_node_cpu_usage_percentage{node="x",shard="1"} 3.5`)
	require.True(t, ok)
	require.Equal(t, "ant_node_cpu_usage_percentage", name)
	require.Equal(t, "3.5", value)
}

func TestParseLineRejectsMalformed(t *testing.T) {
	_, _, ok := parseLine("just_a_name_no_value")
	require.False(t, ok)
}
