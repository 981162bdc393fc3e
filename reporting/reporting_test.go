package reporting

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/acarl005/stripansi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-coverage/covdata"
)

func sampleReport() *covdata.Report {
	return &covdata.Report{
		Files: []covdata.FileCoverage{
			{
				Path:      "libs/modkit-db/src/lib.rs",
				Regions:   covdata.Metric{Covered: 7, Total: 10},
				Functions: covdata.Metric{Covered: 4, Total: 4},
				Lines:     covdata.Metric{Covered: 90, Total: 100},
			},
			{
				Path:      "modules/chat/src/api.rs",
				Regions:   covdata.Metric{Covered: 0, Total: 0},
				Functions: covdata.Metric{Covered: 1, Total: 2},
				Lines:     covdata.Metric{Covered: 12, Total: 40},
			},
		},
		Groups: []covdata.GroupCoverage{
			{
				Name:      "modkit-db",
				Kind:      covdata.CategoryLibrary,
				Regions:   covdata.Metric{Covered: 7, Total: 10},
				Functions: covdata.Metric{Covered: 4, Total: 4},
				Lines:     covdata.Metric{Covered: 90, Total: 100},
			},
			{
				Name:      "chat",
				Kind:      covdata.CategoryModule,
				Regions:   covdata.Metric{Covered: 0, Total: 0},
				Functions: covdata.Metric{Covered: 1, Total: 2},
				Lines:     covdata.Metric{Covered: 12, Total: 40},
			},
		},
		Total: covdata.TotalCoverage{
			Regions:   covdata.Metric{Covered: 7, Total: 10},
			Functions: covdata.Metric{Covered: 5, Total: 6},
			Lines:     covdata.Metric{Covered: 102, Total: 140},
		},
		InstrumentedFiles: 3,
	}
}

func TestCellFormat(t *testing.T) {
	tests := []struct {
		name      string
		metric    covdata.Metric
		threshold int
		want      string
	}{
		{
			name:      "below threshold warns",
			metric:    covdata.Metric{Covered: 7, Total: 10},
			threshold: 80,
			want:      "! 70 % (3)",
		},
		{
			name:      "at threshold passes",
			metric:    covdata.Metric{Covered: 8, Total: 10},
			threshold: 80,
			want:      "  80 % (2)",
		},
		{
			name:      "full coverage",
			metric:    covdata.Metric{Covered: 10, Total: 10},
			threshold: 80,
			want:      " 100 % (0)",
		},
		{
			name:      "nothing instrumented warns",
			metric:    covdata.Metric{},
			threshold: 80,
			want:      "!  0 % (0)",
		},
		{
			name:      "zero threshold never warns",
			metric:    covdata.Metric{},
			threshold: 0,
			want:      "   0 % (0)",
		},
		{
			name:      "rounded up percent",
			metric:    covdata.Metric{Covered: 2, Total: 3},
			threshold: 80,
			want:      "! 67 % (1)",
		},
		{
			name:      "wide missed count",
			metric:    covdata.Metric{Covered: 0, Total: 12345},
			threshold: 80,
			want:      "!  0 % (12345)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Renderer{Threshold: tt.threshold}
			padded := tt.want + strings.Repeat(" ", CellColWidth-len(tt.want))
			assert.Equal(t, padded, r.cell(tt.metric))

			colored := Renderer{Threshold: tt.threshold, Color: true}.cell(tt.metric)
			if strings.HasPrefix(tt.want, "!") {
				assert.Equal(t, "\x1b[91m"+padded+"\x1b[0m", colored)
			} else {
				assert.Equal(t, "\x1b[92m"+padded+"\x1b[0m", colored)
			}
		})
	}
}

func TestRowTruncation(t *testing.T) {
	r := Renderer{Threshold: 80}
	m := covdata.Metric{Covered: 1, Total: 1}

	t.Run("fits", func(t *testing.T) {
		name := strings.Repeat("a", 68)
		row := r.row(name, m, m, m)
		assert.True(t, strings.HasPrefix(row, name+"  "))
	})

	t.Run("tail kept", func(t *testing.T) {
		name := strings.Repeat("x", 10) + strings.Repeat("b", 59)
		row := r.row(name, m, m, m)
		assert.Equal(t, "..."+strings.Repeat("x", 8)+strings.Repeat("b", 59), row[:NameColWidth])
	})
}

func TestRenderLayout(t *testing.T) {
	out := Renderer{Threshold: 80}.Render(sampleReport())
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 30)

	sepEq := strings.Repeat("=", SeparatorWidth)
	sepDash := strings.Repeat("-", SeparatorWidth)

	assert.Equal(t, sepEq, lines[0])
	assert.Equal(t, "COVERAGE REPORT", lines[1])
	assert.Equal(t, sepEq, lines[2])
	assert.Equal(t, "", lines[3])
	assert.Equal(t, "Files covered: 2 out of 3 total instrumented files", lines[4])
	assert.Equal(t, "Coverage threshold: 80%", lines[5])
	assert.Equal(t, "", lines[6])

	assert.Equal(t, sepDash, lines[7])
	assert.Equal(t, "Individual Files:"+strings.Repeat(" ", 53)+
		" Regions"+strings.Repeat(" ", 11)+
		" Functions"+strings.Repeat(" ", 9)+
		" Lines"+strings.Repeat(" ", 13), lines[8])
	assert.Equal(t, strings.Repeat(" ", 70)+
		" Coverage %"+strings.Repeat(" ", 8)+
		" Coverage %"+strings.Repeat(" ", 8)+
		" Coverage %"+strings.Repeat(" ", 8), lines[9])
	assert.Equal(t, strings.Repeat(" ", 70)+
		" (missed)"+strings.Repeat(" ", 10)+
		" (missed)"+strings.Repeat(" ", 10)+
		" (missed)"+strings.Repeat(" ", 10), lines[10])
	assert.Equal(t, sepDash, lines[11])

	assert.Equal(t, "libs/modkit-db/src/lib.rs"+strings.Repeat(" ", 45)+
		" ! 70 % (3)"+strings.Repeat(" ", 8)+
		"  100 % (0)"+strings.Repeat(" ", 8)+
		"   90 % (10)"+strings.Repeat(" ", 7), lines[12])
	assert.Equal(t, "modules/chat/src/api.rs"+strings.Repeat(" ", 47)+
		" !  0 % (0)"+strings.Repeat(" ", 8)+
		" ! 50 % (1)"+strings.Repeat(" ", 8)+
		" ! 30 % (28)"+strings.Repeat(" ", 7), lines[13])

	assert.Equal(t, "", lines[14])
	assert.Equal(t, sepDash, lines[15])
	assert.True(t, strings.HasPrefix(lines[16], "Modules & Libraries:"))
	assert.Equal(t, sepDash, lines[19])
	assert.True(t, strings.HasPrefix(lines[20], "lib/modkit-db"))
	assert.True(t, strings.HasPrefix(lines[21], "module/chat"))

	assert.Equal(t, "", lines[22])
	assert.Equal(t, sepEq, lines[23])
	assert.True(t, strings.HasPrefix(lines[24], "Total:"))
	assert.Equal(t, sepEq, lines[27])
	assert.Equal(t, "TOTAL"+strings.Repeat(" ", 65)+
		" ! 70 % (3)"+strings.Repeat(" ", 8)+
		"   83 % (1)"+strings.Repeat(" ", 8)+
		" ! 73 % (38)"+strings.Repeat(" ", 7), lines[28])
	assert.Equal(t, sepEq, lines[29])
}

func TestRenderColorStripsToPlain(t *testing.T) {
	rep := sampleReport()
	colored := Renderer{Threshold: 80, Color: true}.Render(rep)
	plain := Renderer{Threshold: 80}.Render(rep)

	assert.Contains(t, colored, "\x1b[91m")
	assert.Contains(t, colored, "\x1b[92m")
	assert.Contains(t, colored,
		"Color coding: \x1b[92mgreen\x1b[0m = above threshold, \x1b[91mred\x1b[0m = below threshold")
	assert.NotContains(t, plain, "\x1b[")
	assert.NotContains(t, plain, "Color coding")

	stripped := stripansi.Strip(colored)
	legend := "Color coding: green = above threshold, red = below threshold\n"
	assert.Equal(t, plain, strings.Replace(stripped, legend, "", 1))
}

func TestSaveAlwaysPlain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coverage_report.txt")
	r := Renderer{Threshold: 80, Color: true}
	require.NoError(t, Save(path, r, sampleReport()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "\x1b[")
	assert.Equal(t, Renderer{Threshold: 80}.Render(sampleReport()), string(data))
}

func TestResolveColor(t *testing.T) {
	on, err := ResolveColor(ColorAlways)
	require.NoError(t, err)
	assert.True(t, on)

	on, err = ResolveColor(ColorNever)
	require.NoError(t, err)
	assert.False(t, on)

	t.Setenv("COLORTERM", "")
	t.Setenv("TERM", "dumb")
	on, err = ResolveColor(ColorAuto)
	require.NoError(t, err)
	assert.False(t, on)

	_, err = ResolveColor("sometimes")
	require.Error(t, err)
}
