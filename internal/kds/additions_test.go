package kds

import (
	"reflect"
	"testing"
)

func TestAdditions(t *testing.T) {
	tests := []struct {
		name    string
		current []int64
		initial []int64
		want    []int64
	}{
		{name: "unchanged", current: []int64{1, 2, 3}, initial: []int64{1, 2, 3}, want: nil},
		{name: "oneAdded", current: []int64{1, 2, 3, 4}, initial: []int64{1, 2, 3}, want: []int64{4}},
		{name: "unsortedWithDuplicates", current: []int64{9, 1, 7, 9, 2}, initial: []int64{1, 2}, want: []int64{7, 9}},
		{name: "lineRemoved", current: []int64{1, 3}, initial: []int64{1, 2, 3}, want: nil},
		{name: "emptyInitial", current: []int64{5}, initial: nil, want: []int64{5}},
		{name: "emptyCurrent", current: nil, initial: []int64{1}, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Additions(tt.current, tt.initial)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Additions() = %v, want %v", got, tt.want)
			}
		})
	}
}
