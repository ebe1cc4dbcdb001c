package etl

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/apache/arrow/go/v18/arrow"
	"github.com/apache/arrow/go/v18/arrow/array"
	"github.com/apache/arrow/go/v18/arrow/memory"
	"github.com/apache/arrow/go/v18/parquet"
	"github.com/apache/arrow/go/v18/parquet/pqarrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"amt/internal/catalog"
	"amt/internal/descriptor"
	"amt/internal/domain"
	"amt/internal/staging"
)

const testYear = "2025"

// ── Helpers ────────────────────────────────────────────────

type fixture struct {
	engine *Engine
	store  *staging.Store
	dest   *ParquetWriter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store := staging.New(filepath.Join(dir, "silver"))
	dest := NewParquetWriter(filepath.Join(dir, "gold"))
	return &fixture{
		store: store,
		dest:  dest,
		engine: &Engine{
			Store:       store,
			Catalog:     catalog.Default(),
			Descriptors: descriptor.Default(),
			Dest:        dest,
			Parallelism: 4,
			Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
			Now:         func() time.Time { return time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC) },
		},
	}
}

func (f *fixture) stage(t *testing.T, endpoint, records string) {
	t.Helper()
	ep, ok := catalog.Default().Lookup(endpoint)
	require.True(t, ok, endpoint)
	var raw []json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(records), &raw))
	_, err := f.store.WriteEndpoint(testYear, ep, 100, raw, nil)
	require.NoError(t, err)
}

func (f *fixture) run(t *testing.T, name string) *ViewResult {
	t.Helper()
	v, err := GetView(name)
	require.NoError(t, err)
	res, err := f.engine.RunView(context.Background(), v, testYear)
	require.NoError(t, err)
	return res
}

func readParquet(t *testing.T, path string) arrow.Table {
	t.Helper()
	fh, err := os.Open(path)
	require.NoError(t, err)
	defer fh.Close()

	tbl, err := pqarrow.ReadTable(context.Background(), fh,
		parquet.NewReaderProperties(memory.DefaultAllocator),
		pqarrow.ArrowReadProperties{}, memory.DefaultAllocator)
	require.NoError(t, err)
	t.Cleanup(tbl.Release)
	return tbl
}

func fieldNames(tbl arrow.Table) []string {
	fields := tbl.Schema().Fields()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	return names
}

// rows returns the table row by row with Go scalars, nil for null.
func rows(t *testing.T, tbl arrow.Table) [][]any {
	t.Helper()
	out := make([][]any, tbl.NumRows())
	for i := range out {
		out[i] = make([]any, tbl.NumCols())
	}
	for c := 0; c < int(tbl.NumCols()); c++ {
		r := 0
		for _, chunk := range tbl.Column(c).Data().Chunks() {
			for j := 0; j < chunk.Len(); j, r = j+1, r+1 {
				if chunk.IsNull(j) {
					continue
				}
				switch a := chunk.(type) {
				case *array.String:
					out[r][c] = a.Value(j)
				case *array.Int64:
					out[r][c] = a.Value(j)
				case *array.Float64:
					out[r][c] = a.Value(j)
				case *array.Boolean:
					out[r][c] = a.Value(j)
				default:
					t.Fatalf("unexpected column type %s", chunk.DataType())
				}
			}
		}
	}
	return out
}

// ── Empty staging ──────────────────────────────────────────

func TestRunAllWithNothingStaged(t *testing.T) {
	f := newFixture(t)
	views := Views()

	results, failures := f.engine.RunAll(context.Background(), testYear, views)
	require.Empty(t, failures)
	require.Len(t, results, len(views))

	for i, res := range results {
		v := views[i]
		assert.Equal(t, v.Name, res.View)
		assert.Equal(t, "success", res.Status, v.Name)
		assert.Equal(t, 0, res.Rows, v.Name)
		assert.ElementsMatch(t, v.Inputs, res.MissingInputs, v.Name)

		tbl := readParquet(t, f.dest.Path(v.Name, testYear))
		assert.EqualValues(t, 0, tbl.NumRows(), v.Name)
		assert.Equal(t, v.Schema.FieldNames(), fieldNames(tbl), v.Name)
	}
}

func TestEmptyFeedsWriteEmptyViews(t *testing.T) {
	f := newFixture(t)
	for _, ep := range catalog.Default().Endpoints() {
		f.stage(t, ep.LogicalName, `[]`)
	}
	views := Views()

	results, failures := f.engine.RunAll(context.Background(), testYear, views)
	require.Empty(t, failures)
	for i, res := range results {
		assert.Empty(t, res.MissingInputs, views[i].Name)
		assert.Equal(t, 0, res.Rows, views[i].Name)
		tbl := readParquet(t, res.Path)
		assert.Equal(t, views[i].Schema.FieldNames(), fieldNames(tbl), views[i].Name)
	}
}

// ── Views on fixtures ──────────────────────────────────────

func TestSchoolDim(t *testing.T) {
	f := newFixture(t)
	f.stage(t, "schools", `[
		{"schoolId": 100, "nameOfInstitution": "North High",
		 "schoolTypeDescriptor": "uri://ed-fi.org/SchoolTypeDescriptor#Regular",
		 "localEducationAgencyReference": {"localEducationAgencyId": 10}},
		{"schoolId": 200, "nameOfInstitution": "Charter",
		 "schoolTypeDescriptor": "uri://ed-fi.org/SchoolTypeDescriptor#Alternative"}
	]`)
	f.stage(t, "localEducationAgencies", `[
		{"localEducationAgencyId": 10, "nameOfInstitution": "Grand Bend ISD"}
	]`)

	res := f.run(t, "SchoolDim")
	assert.Equal(t, 2, res.Rows)

	tbl := readParquet(t, res.Path)
	assert.Equal(t, [][]any{
		{"100", "North High", "Regular", "10", "Grand Bend ISD"},
		{"200", "Charter", "Alternative", "", ""},
	}, rows(t, tbl))
}

func TestMissingInputWritesEmptyFile(t *testing.T) {
	f := newFixture(t)
	f.stage(t, "schools", `[{"schoolId": 100, "nameOfInstitution": "North High"}]`)

	res := f.run(t, "SchoolDim")
	assert.Equal(t, []string{"localEducationAgencies"}, res.MissingInputs)
	assert.Equal(t, 0, res.Rows)
	assert.EqualValues(t, 0, readParquet(t, res.Path).NumRows())
}

func TestUserAuthorizationKeepsActiveScopedStaff(t *testing.T) {
	f := newFixture(t)
	f.stage(t, "staffEducationOrganizationAssignmentAssociations", `[
		{"staffReference": {"staffUniqueId": "T2"}, "educationOrganizationReference": {"educationOrganizationId": 100},
		 "staffClassificationDescriptor": "uri://ed-fi.org/StaffClassificationDescriptor#Principal", "beginDate": "2024-08-01"},
		{"staffReference": {"staffUniqueId": "T1"}, "educationOrganizationReference": {"educationOrganizationId": 10},
		 "staffClassificationDescriptor": "uri://ed-fi.org/StaffClassificationDescriptor#Superintendent",
		 "beginDate": "2020-07-01", "endDate": "2030-06-30"},
		{"staffReference": {"staffUniqueId": "T3"}, "educationOrganizationReference": {"educationOrganizationId": 100},
		 "staffClassificationDescriptor": "uri://ed-fi.org/StaffClassificationDescriptor#Teacher",
		 "beginDate": "2024-08-01", "endDate": "2024-12-31"},
		{"staffReference": {"staffUniqueId": "T4"}, "educationOrganizationReference": {"educationOrganizationId": 100},
		 "staffClassificationDescriptor": "uri://ed-fi.org/StaffClassificationDescriptor#Custodian", "beginDate": "2024-08-01"},
		{"staffReference": {"staffUniqueId": "T2"}, "educationOrganizationReference": {"educationOrganizationId": 100},
		 "staffClassificationDescriptor": "uri://ed-fi.org/StaffClassificationDescriptor#Principal", "beginDate": "2023-08-01"},
		{"staffReference": {"staffUniqueId": "T5"}, "educationOrganizationReference": {"educationOrganizationId": 100},
		 "staffClassificationDescriptor": "uri://ed-fi.org/StaffClassificationDescriptor#Principal", "beginDate": "2025-06-01"}
	]`)

	res := f.run(t, "rls_UserAuthorization")
	assert.Equal(t, [][]any{
		{"T1", "AuthorizationScope.District", "10", "Superintendent"},
		{"T2", "AuthorizationScope.School", "100", "Principal"},
	}, rows(t, readParquet(t, res.Path)))
}

func TestDigitalEquityPivot(t *testing.T) {
	f := newFixture(t)
	f.stage(t, "studentEducationOrganizationAssociations", `[
		{"studentReference": {"studentUniqueId": "S1"}, "educationOrganizationReference": {"educationOrganizationId": 100},
		 "studentIndicators": [
			{"indicatorName": "Internet Access In Residence", "indicator": "Yes"},
			{"indicatorName": "Digital Device", "indicator": "Yes"}]},
		{"studentReference": {"studentUniqueId": "S2"}, "educationOrganizationReference": {"educationOrganizationId": 100},
		 "studentIndicators": [{"indicatorName": "Device Access", "indicator": "Yes"}]},
		{"studentReference": {"studentUniqueId": "S3"}, "educationOrganizationReference": {"educationOrganizationId": 100}}
	]`)

	res := f.run(t, "StudentDigitalEquityDim")
	tbl := readParquet(t, res.Path)
	assert.Equal(t, []string{
		"StudentKey", "EducationOrganizationKey",
		"InternetAccessInResidence", "InternetAccessTypeInResidence", "InternetPerformanceInResidence",
		"DigitalDevice", "DeviceAccess",
	}, fieldNames(tbl))
	assert.Equal(t, [][]any{
		{"S1", "100", true, false, false, true, false},
		{"S2", "100", false, false, false, false, true},
	}, rows(t, tbl))
}

func TestObjectiveAssessmentParentKey(t *testing.T) {
	f := newFixture(t)
	f.stage(t, "objectiveAssessments", `[
		{"identificationCode": "OA1", "assessmentReference": {"assessmentIdentifier": "A1", "namespace": "uri://ns"},
		 "description": "Top", "percentOfAssessment": 0.5,
		 "academicSubjectDescriptor": "uri://ed-fi.org/AcademicSubjectDescriptor#Mathematics"},
		{"identificationCode": "OA1.1", "assessmentReference": {"assessmentIdentifier": "A1", "namespace": "uri://ns"},
		 "parentObjectiveAssessmentReference": {"assessmentIdentifier": "A1", "identificationCode": "OA1", "namespace": "uri://ns"}}
	]`)

	res := f.run(t, "ObjectiveAssessmentDim")
	assert.Equal(t, [][]any{
		{"A1-OA1-uri://ns", "A1-uri://ns", "OA1", "", "Top", 0.5, "Mathematics"},
		{"A1-OA1.1-uri://ns", "A1-uri://ns", "OA1.1", "A1-OA1-uri://ns", "", nil, ""},
	}, rows(t, readParquet(t, res.Path)))
}

func TestDemographicsBridge(t *testing.T) {
	f := newFixture(t)
	f.stage(t, "studentEducationOrganizationAssociations", `[
		{"studentReference": {"studentUniqueId": "S1"},
		 "races": [{"raceDescriptor": "uri://ed-fi.org/RaceDescriptor#White"}],
		 "disabilities": [{"disabilityDescriptor": "uri://ed-fi.org/DisabilityDescriptor#Deaf"}]},
		{"studentReference": {"studentUniqueId": "S2"},
		 "studentCharacteristics": [{"studentCharacteristicDescriptor": "uri://ed-fi.org/StudentCharacteristicDescriptor#Homeless"}]}
	]`)
	f.stage(t, "studentSchoolAssociations", `[
		{"studentReference": {"studentUniqueId": "S1"}, "schoolReference": {"schoolId": 100}, "entryDate": "2024-08-20"},
		{"studentReference": {"studentUniqueId": "S2"}, "schoolReference": {"schoolId": 100},
		 "entryDate": "2024-08-20", "exitWithdrawDate": "2024-12-01"},
		{"studentReference": {"studentUniqueId": "S1"}, "schoolReference": {"schoolId": 200}, "entryDate": "2025-03-01"}
	]`)

	res := f.run(t, "StudentSchoolDemographicsBridge")
	assert.Equal(t, [][]any{
		{"Race:White-S1-100", "S1-100", "Race:White"},
		{"Disability:Deaf-S1-100", "S1-100", "Disability:Deaf"},
	}, rows(t, readParquet(t, res.Path)))
}

func TestRunIsDeterministic(t *testing.T) {
	f := newFixture(t)
	f.stage(t, "schools", `[
		{"schoolId": 100, "nameOfInstitution": "North High", "localEducationAgencyReference": {"localEducationAgencyId": 10}},
		{"schoolId": 200, "nameOfInstitution": "South High", "localEducationAgencyReference": {"localEducationAgencyId": 10}}
	]`)
	f.stage(t, "localEducationAgencies", `[{"localEducationAgencyId": 10, "nameOfInstitution": "Grand Bend ISD"}]`)

	first := f.run(t, "SchoolDim")
	a, err := os.ReadFile(first.Path)
	require.NoError(t, err)

	second := f.run(t, "SchoolDim")
	b, err := os.ReadFile(second.Path)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

// ── Failures ───────────────────────────────────────────────

func mustParse(t *testing.T, src string) *View {
	t.Helper()
	v, err := ParseView([]byte(src))
	require.NoError(t, err)
	return v
}

func TestFailingViewDoesNotBlockOthers(t *testing.T) {
	f := newFixture(t)
	f.stage(t, "schools", `[{"schoolId": 100, "nameOfInstitution": "North High"}]`)
	f.stage(t, "localEducationAgencies", `[]`)

	broken := mustParse(t, `
name: Broken
inputs: [schools]
steps:
  - {op: normalize, in: schools}
  - {op: dateKey, column: nameOfInstitution}
schema: {fields: [{name: schoolId}]}
`)
	school, err := GetView("SchoolDim")
	require.NoError(t, err)

	results, failures := f.engine.RunAll(context.Background(), testYear, []*View{broken, school})
	require.Len(t, failures, 1)
	assert.Equal(t, domain.KindTransform, failures[0].Kind)
	assert.Equal(t, "Broken", failures[0].Subject)

	assert.Equal(t, "error", results[0].Status)
	assert.NoFileExists(t, f.dest.Path("Broken", testYear))
	assert.Equal(t, "success", results[1].Status)
	assert.Equal(t, 1, results[1].Rows)
	assert.FileExists(t, results[1].Path)
}

func TestSchemaErrors(t *testing.T) {
	f := newFixture(t)
	f.stage(t, "schools", `[{"schoolId": 100, "nameOfInstitution": "North High"}]`)

	cases := map[string]string{
		"missing column": `
name: MissingColumn
inputs: [schools]
steps: [{op: normalize, in: schools}]
schema: {fields: [{name: schoolId}, {name: Principal}]}
`,
		"uncoercible cell": `
name: BadType
inputs: [schools]
steps: [{op: normalize, in: schools}]
schema: {fields: [{name: nameOfInstitution, type: int64}]}
`,
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			v := mustParse(t, src)
			res, err := f.engine.RunView(context.Background(), v, testYear)
			require.Error(t, err)
			assert.Equal(t, domain.KindSchema, domain.KindOf(err))
			assert.Equal(t, "error", res.Status)
			assert.NoFileExists(t, f.dest.Path(v.Name, testYear))
		})
	}
}

func TestUnknownInputIsConfigError(t *testing.T) {
	f := newFixture(t)
	v := mustParse(t, `
name: Orphan
inputs: [notAnEndpoint]
steps: [{op: normalize, in: notAnEndpoint}]
schema: {fields: [{name: a}]}
`)
	_, err := f.engine.RunView(context.Background(), v, testYear)
	require.Error(t, err)
	assert.Equal(t, domain.KindConfig, domain.KindOf(err))
}

func TestOutputNamesAnEnvironmentTable(t *testing.T) {
	f := newFixture(t)
	f.stage(t, "schools", `[{"schoolId": 100, "nameOfInstitution": "North High"}, {"schoolId": 200, "nameOfInstitution": "South"}]`)

	v := mustParse(t, `
name: Picked
inputs: [schools]
steps:
  - {op: normalize, in: schools, as: all}
  - {op: filter, where: [{column: schoolId, op: eq, value: "100"}], as: one}
output: all
schema: {fields: [{name: schoolId, type: int64}]}
`)
	res, err := f.engine.RunView(context.Background(), v, testYear)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{int64(100)}, {int64(200)}}, rows(t, readParquet(t, res.Path)))
}
