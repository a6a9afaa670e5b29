package transformer

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/haohanyang/compass/internal/doc"
	"github.com/haohanyang/compass/internal/probe"
)

func fieldsWithTypes(headers []string, types map[string]probe.Type) []probe.CSVField {
	fields := probe.GroupFields(headers)
	for i := range fields {
		if t, ok := types[fields[i].Path]; ok {
			fields[i].TargetType = t
		}
	}
	return fields
}

func TestCSV_BlankHandling(t *testing.T) {
	t.Parallel()
	fields := fieldsWithTypes([]string{"name"}, nil)

	got, errs := NewCSV(fields, Options{IgnoreBlanks: true}).Transform([]string{""})
	if len(errs) != 0 || len(got) != 0 {
		t.Fatalf("ignoreBlanks=true: doc=%v errs=%v", got, errs)
	}

	got, errs = NewCSV(fields, Options{IgnoreBlanks: false}).Transform([]string{""})
	want := doc.Document{{Key: "name", Value: ""}}
	if len(errs) != 0 || !reflect.DeepEqual(got, want) {
		t.Fatalf("ignoreBlanks=false: doc=%#v errs=%v", got, errs)
	}
}

func TestCSV_WhitespaceIsNotBlank(t *testing.T) {
	t.Parallel()
	fields := fieldsWithTypes([]string{"name"}, map[string]probe.Type{"name": probe.TypeString})
	want := doc.Document{{Key: "name", Value: "   "}}
	for _, ignore := range []bool{false, true} {
		got, errs := NewCSV(fields, Options{IgnoreBlanks: ignore}).Transform([]string{"   "})
		if len(errs) != 0 || !reflect.DeepEqual(got, want) {
			t.Fatalf("ignoreBlanks=%v: doc=%#v errs=%v", ignore, got, errs)
		}
	}
}

func TestCSV_NameAgeRows(t *testing.T) {
	t.Parallel()
	fields := fieldsWithTypes([]string{"name", "age"}, map[string]probe.Type{
		"name": probe.TypeString,
		"age":  probe.TypeNumber,
	})
	tr := NewCSV(fields, Options{IgnoreBlanks: true})

	rows := [][]string{{"Ada", "36"}, {"Lin", "29"}, {"Bo", ""}}
	want := []doc.Document{
		{{Key: "name", Value: "Ada"}, {Key: "age", Value: int64(36)}},
		{{Key: "name", Value: "Lin"}, {Key: "age", Value: int64(29)}},
		{{Key: "name", Value: "Bo"}},
	}
	for i, r := range rows {
		got, errs := tr.Transform(r)
		if len(errs) != 0 {
			t.Fatalf("row %d errs=%v", i, errs)
		}
		if !reflect.DeepEqual(got, want[i]) {
			t.Fatalf("row %d=%#v want %#v", i, got, want[i])
		}
	}
}

func TestCSV_CastFailureKeepsRow(t *testing.T) {
	t.Parallel()
	fields := fieldsWithTypes([]string{"n", "ok"}, map[string]probe.Type{"n": probe.TypeInt, "ok": probe.TypeBoolean})
	got, errs := NewCSV(fields, Options{}).Transform([]string{"abc", "yes"})
	if len(errs) != 1 || errs[0].Field != "n" || errs[0].Value != "abc" {
		t.Fatalf("errs=%+v", errs)
	}
	if !errors.Is(errs[0], errNotNumber) {
		t.Fatalf("unwrap=%v", errs[0].Err)
	}
	want := doc.Document{{Key: "n", Value: "abc"}, {Key: "ok", Value: true}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("doc=%#v", got)
	}
}

func TestCSV_ArraysAndNesting(t *testing.T) {
	t.Parallel()
	headers := []string{"tags[0]", "tags[1]", "tags[2]", "items[0].sku", "items[0].qty", "items[1].sku", "items[1].qty", "geo.lat"}
	fields := fieldsWithTypes(headers, map[string]probe.Type{
		"items[].qty": probe.TypeInt,
		"geo.lat":     probe.TypeDouble,
	})
	tr := NewCSV(fields, Options{IgnoreBlanks: true})

	got, errs := tr.Transform([]string{"a", "", "c", "", "", "s2", "5", "50.1"})
	if len(errs) != 0 {
		t.Fatal(errs)
	}
	want := doc.Document{
		{Key: "tags", Value: []any{"a", "c"}},
		{Key: "items", Value: []any{
			doc.Document{{Key: "sku", Value: "s2"}, {Key: "qty", Value: int32(5)}},
		}},
		{Key: "geo", Value: doc.Document{{Key: "lat", Value: 50.1}}},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("doc=%#v\nwant %#v", got, want)
	}
}

func TestCSV_ExcludedFieldsAreDropped(t *testing.T) {
	t.Parallel()
	fields := fieldsWithTypes([]string{"a", "b"}, nil)
	fields[1].Include = false
	got, _ := NewCSV(fields, Options{}).Transform([]string{"1", "2"})
	if _, ok := got.Get("b"); ok {
		t.Fatalf("excluded field present: %v", got)
	}
}

func TestCasters(t *testing.T) {
	t.Parallel()
	oid, _ := doc.ParseObjectID("5f1d7a2b9c1e4a0012345678")
	tests := []struct {
		typ  probe.Type
		in   string
		want any
		bad  bool
	}{
		{probe.TypeNumber, "1.25", 1.25, false},
		{probe.TypeNumber, "x", nil, true},
		{probe.TypeInt, "42.0", int32(42), false},
		{probe.TypeInt, "3000000000", nil, true},
		{probe.TypeLong, "3000000000", int64(3000000000), false},
		{probe.TypeDouble, "2", float64(2), false},
		{probe.TypeBoolean, "No", false, false},
		{probe.TypeBoolean, "maybe", nil, true},
		{probe.TypeDate, "2024-03-01", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), false},
		{probe.TypeDate, "0", time.UnixMilli(0).UTC(), false},
		{probe.TypeObjectID, "5f1d7a2b9c1e4a0012345678", oid, false},
		{probe.TypeObjectID, "xyz", nil, true},
		{probe.TypeNull, "anything", nil, false},
		{probe.TypeMixed, "7", int64(7), false},
		{probe.TypeMixed, "true", true, false},
		{probe.TypeMixed, "hello", "hello", false},
		{probe.TypeString, " keep ", " keep ", false},
	}
	for _, tc := range tests {
		got, err := casterFor(tc.typ)(tc.in)
		if tc.bad {
			if err == nil {
				t.Errorf("%s(%q) expected error, got %v", tc.typ, tc.in, got)
			}
			continue
		}
		if err != nil || !reflect.DeepEqual(got, tc.want) {
			t.Errorf("%s(%q)=%#v,%v want %#v", tc.typ, tc.in, got, err, tc.want)
		}
	}
}

func TestJSON_Exclusion(t *testing.T) {
	t.Parallel()
	d := doc.Document{
		{Key: "a", Value: int64(1)},
		{Key: "b", Value: doc.Document{{Key: "c", Value: int64(2)}, {Key: "d", Value: int64(3)}}},
		{Key: "e", Value: "x"},
	}
	tr := NewJSON([]probe.JSONField{
		{Path: "a", Include: true},
		{Path: "b.c", Include: false},
		{Path: "e", Include: false},
	})
	got := tr.Transform(d)
	want := doc.Document{
		{Key: "a", Value: int64(1)},
		{Key: "b", Value: doc.Document{{Key: "d", Value: int64(3)}}},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v", got)
	}
}
