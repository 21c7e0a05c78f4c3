package catalog

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/carebridge/medgate/api"
)

const testContract = `
version: "7"
service: medgate
operations:
  - name: overview
    description: Patient overview.
    owner: Doctor
    arguments:
      type: object
      properties:
        patient_id:
          type: string
      required: [patient_id]
      additionalProperties: false
    fields:
      patient_id: [Doctor, Billing, Auditor]
      insurance_number: [Billing, Auditor]
      contact.phone: [Auditor]
  - name: records
    description: Medical records.
    owner: Doctor
    sensitive: true
    arguments:
      type: object
      properties:
        patient_id:
          type: string
      required: [patient_id]
      additionalProperties: false
roles:
  Doctor:
    operations: [overview, records]
    prompt: Clinical assistant.
  Billing:
    operations: [overview]
`

func TestParse_EmbeddedContract(t *testing.T) {
	cat, err := Parse(api.CatalogContract)
	require.NoError(t, err)
	require.Equal(t, "1", cat.Version())

	doctor := cat.CapabilitiesFor("Doctor")
	require.Len(t, doctor, 5)
	billing := cat.CapabilitiesFor("Billing")
	require.Len(t, billing, 1)
	require.Equal(t, "get_patient_overview", billing[0].Operation)
}

func TestParse_RejectsUnknownRoleOperation(t *testing.T) {
	_, err := Parse([]byte(`
operations:
  - name: overview
    owner: Doctor
roles:
  Billing:
    operations: [records]
`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown operation")
}

func TestParse_RejectsDuplicateOperations(t *testing.T) {
	_, err := Parse([]byte(`
operations:
  - name: overview
    owner: Doctor
  - name: overview
    owner: Doctor
roles: {}
`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "duplicate operation")
}

func TestLookup_DeniesByDefault(t *testing.T) {
	cat, err := Parse([]byte(testContract))
	require.NoError(t, err)

	_, ok := cat.Lookup("Billing", "records")
	require.False(t, ok)

	_, ok = cat.Lookup("Reception", "overview")
	require.False(t, ok, "unknown role must get no capabilities")

	entry, ok := cat.Lookup("Doctor", "records")
	require.True(t, ok)
	require.True(t, entry.Sensitive)
}

func TestValidateArguments(t *testing.T) {
	cat, err := Parse([]byte(testContract))
	require.NoError(t, err)
	entry, ok := cat.Lookup("Doctor", "overview")
	require.True(t, ok)

	require.NoError(t, entry.ValidateArguments(map[string]any{"patient_id": "NUGWI"}))

	err = entry.ValidateArguments(map[string]any{})
	require.Error(t, err, "missing required key must fail")

	err = entry.ValidateArguments(map[string]any{"patient_id": "NUGWI", "bogus": true})
	require.Error(t, err, "unexpected keys must fail")
}

func TestIsVisible_FailsClosed(t *testing.T) {
	cat, err := Parse([]byte(testContract))
	require.NoError(t, err)

	require.True(t, cat.IsVisible("Billing", "overview", "insurance_number"))
	require.False(t, cat.IsVisible("Doctor", "overview", "insurance_number"))

	// No rule: visible only to the owner role.
	require.True(t, cat.IsVisible("Doctor", "overview", "allergies"))
	require.False(t, cat.IsVisible("Billing", "overview", "allergies"))

	// Unknown operation: hidden for everyone.
	require.False(t, cat.IsVisible("Doctor", "nonexistent", "patient_id"))
}

func TestHasNestedRules(t *testing.T) {
	cat, err := Parse([]byte(testContract))
	require.NoError(t, err)

	require.True(t, cat.HasNestedRules("overview", "contact"))
	require.False(t, cat.HasNestedRules("overview", "insurance_number"))
}

func TestStore_SwapIsAtomic(t *testing.T) {
	first, err := Parse([]byte(testContract))
	require.NoError(t, err)
	store, err := NewStore(first)
	require.NoError(t, err)

	snapshot := store.Load()
	require.Same(t, first, snapshot)

	second, err := Parse(api.CatalogContract)
	require.NoError(t, err)
	require.NoError(t, store.Swap(second))

	require.Same(t, second, store.Load())
	// The earlier snapshot is unchanged for in-flight readers.
	require.Len(t, snapshot.CapabilitiesFor("Doctor"), 2)

	require.Error(t, store.Swap(nil))
}
