package gateway

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jask/clinicbook/internal/database/repository"
)

func TestNormalizeShapes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		store repository.StoreName
		body  string
		want  int
	}{
		{"flat array", repository.StoreExpenses, `[{"id":1},{"id":2}]`, 2},
		{"keyed", repository.StoreExpenses, `{"expenses":[{"id":1}]}`, 1},
		{"data envelope", repository.StorePayments, `{"data":[{"id":1},{"id":2},{"id":3}]}`, 3},
		{"double nested", repository.StoreClinics, `{"clinics":{"clinics":[{"id":1}]}}`, 1},
		{"singular key", repository.StoreExpenses, `{"message":"ok","expense":{"id":9}}`, 1},
		{"bare entity", repository.StoreClinics, `{"id":4,"name":"A"}`, 1},
		{"name index alias", repository.StoreClinicNames, `{"clinicIdNameList":[{"id":1,"name":"A"}]}`, 1},
		{"report page", repository.StoreExpenses, `{"total":2,"page":1,"expenses":[{"id":1},{"id":2}],"total_billed":10}`, 2},
		{"no collection", repository.StoreExpenses, `{"message":"deleted"}`, 0},
		{"empty", repository.StoreExpenses, ``, 0},
		{"null", repository.StoreExpenses, `{"expenses":null}`, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			items, err := Normalize(tc.store, []byte(tc.body))
			require.NoError(t, err)
			require.Len(t, items, tc.want)
		})
	}
}

func TestNormalizeRejectsBrokenJSON(t *testing.T) {
	t.Parallel()

	_, err := Normalize(repository.StoreExpenses, []byte(`[{"id":1}`))
	require.Error(t, err)
}

func TestIDFromURL(t *testing.T) {
	t.Parallel()

	require.Equal(t, repository.ID(12), idFromURL("/doctor/expense/12"))
	require.Equal(t, repository.ID(12), idFromURL("/doctor/clinic/12?force=1"))
	require.Zero(t, idFromURL("/doctor/expense"))
}
