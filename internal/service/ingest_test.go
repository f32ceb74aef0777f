package service

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestImportCSV(t *testing.T) {
	t.Parallel()

	h := signedIn(t)
	c := h.clinic(t, "City Care")
	h.clinic(t, "Lotus Clinic")
	h.sync(t)

	data := strings.Join([]string{
		"date,clinic,category,billed_amount,tds,received,mode,notes",
		"2025-04-02,city care,OPD,900,yes,,UPI,morning list",
		"3/04/2025,Lotus,Surgery,\"1,800.50\",no,800,NEFT,",
		"2025-04-02,City Care,opd,900.00,yes",
		"2025-04-05,Nowhere Hospital,OPD,100",
		"2025-04-06,City Care,OPD,abc",
		"short,row",
	}, "\n")

	res, err := h.app.Import.ImportCSV(h.ctx, strings.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, 2, res.Imported)
	require.Zero(t, res.Queued)
	require.Equal(t, 1, res.Skipped, "same clinic, day, category and amount")
	require.Len(t, res.Errors, 3)
	require.ErrorIs(t, res.Errors[0], ErrNoClinicMatch)

	h.sync(t)
	cached := h.cachedExpenses(t)
	require.Len(t, cached, 2)
	var opd bool
	for _, e := range cached {
		if e.ClinicID == c.ID {
			opd = true
			require.InDelta(t, 1000, float64(e.TotalBilled), 0.001)
			require.Equal(t, "morning list", e.Notes)
		} else {
			require.Equal(t, "2025-04-03", e.Date())
			require.InDelta(t, 1800.50, float64(e.BilledAmount), 0.001)
			require.InDelta(t, 800, float64(e.ReceivedAmount), 0.001)
		}
	}
	require.True(t, opd)

	again, err := h.app.Import.ImportCSV(h.ctx, strings.NewReader(data))
	require.NoError(t, err)
	require.Zero(t, again.Imported)
	require.Equal(t, 3, again.Skipped)
}

func TestImportCSVOfflineQueues(t *testing.T) {
	t.Parallel()

	h := signedIn(t)
	h.clinic(t, "City Care")
	h.sync(t)
	h.app.Monitor.Set(false)

	res, err := h.app.Import.ImportCSV(h.ctx, strings.NewReader("2025-04-02,City Care,OPD,450,1\n2025-04-03,City Care,IPD,200,0,200,Cash\n"))
	require.NoError(t, err)
	require.Empty(t, res.Errors)
	require.Equal(t, 2, res.Imported)
	require.Equal(t, 2, res.Queued)
	require.Equal(t, 2, h.queueLen(t))

	h.app.Monitor.Set(true)
	h.sync(t)
	require.Zero(t, h.queueLen(t))
	require.Len(t, h.cachedExpenses(t), 2)
}

func TestImportCSVReportsFileLines(t *testing.T) {
	t.Parallel()

	h := signedIn(t)
	h.clinic(t, "City Care")
	h.sync(t)

	data := strings.Join([]string{
		"# exported from the front desk",
		"date,clinic,category,billed_amount",
		"",
		"5/4/2025,City Care,OPD,300",
		"2025-04-06,City Care,OPD,abc",
	}, "\n")

	res, err := h.app.Import.ImportCSV(h.ctx, strings.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, 1, res.Imported)
	require.Len(t, res.Errors, 1)
	require.ErrorContains(t, res.Errors[0], "line 5:")

	h.sync(t)
	cached := h.cachedExpenses(t)
	require.Len(t, cached, 1)
	require.Equal(t, "2025-04-05", cached[0].Date())
}

func TestParseHelpers(t *testing.T) {
	t.Parallel()

	d, err := parseLocalDate("9/04/2025")
	require.NoError(t, err)
	require.Equal(t, "2025-04-09", d)
	d, err = parseLocalDate("5/4/2025")
	require.NoError(t, err)
	require.Equal(t, "2025-04-05", d)
	d, err = parseLocalDate("05-04-2025")
	require.NoError(t, err)
	require.Equal(t, "2025-04-05", d)
	_, err = parseLocalDate("April 9")
	require.Error(t, err)

	a, err := parseAmount(" 12,345.678 ")
	require.NoError(t, err)
	require.InDelta(t, 12345.68, float64(a), 0.0001)

	for in, want := range map[string]bool{"yes": true, "Y": true, "0": false, "true": true, "no": false} {
		got, err := parseFlag(in)
		require.NoError(t, err)
		require.Equal(t, want, got, in)
	}
	_, err = parseFlag("maybe")
	require.Error(t, err)
}
