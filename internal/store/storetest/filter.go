package storetest

import (
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// matches evaluates the subset of MongoDB match semantics the repository
// relies on against a top-level document.
func matches(doc bson.M, filter bson.M) bool {
	for key, cond := range filter {
		switch key {
		case "$and":
			for _, sub := range asArray(cond) {
				m, ok := asMap(sub)
				if !ok || !matches(doc, m) {
					return false
				}
			}
		case "$or":
			matched := false
			for _, sub := range asArray(cond) {
				if m, ok := asMap(sub); ok && matches(doc, m) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		default:
			value, present := doc[key]
			if !fieldMatches(value, present, cond) {
				return false
			}
		}
	}
	return true
}

func fieldMatches(value any, present bool, cond any) bool {
	ops, ok := asMap(cond)
	if !ok || !isOperatorDoc(ops) {
		return equal(value, present, cond)
	}
	for op, arg := range ops {
		switch op {
		case "$eq":
			if !equal(value, present, arg) {
				return false
			}
		case "$ne":
			if equal(value, present, arg) {
				return false
			}
		case "$in":
			if !inArray(value, present, arg) {
				return false
			}
		case "$nin":
			if inArray(value, present, arg) {
				return false
			}
		case "$exists":
			want, _ := arg.(bool)
			if present != want {
				return false
			}
		case "$lt", "$lte", "$gt", "$gte":
			if !present || value == nil {
				return false
			}
			c, ok := compare(value, arg)
			if !ok {
				return false
			}
			switch op {
			case "$lt":
				if c >= 0 {
					return false
				}
			case "$lte":
				if c > 0 {
					return false
				}
			case "$gt":
				if c <= 0 {
					return false
				}
			case "$gte":
				if c < 0 {
					return false
				}
			}
		default:
			return false
		}
	}
	return true
}

func isOperatorDoc(m bson.M) bool {
	if len(m) == 0 {
		return false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}
	return true
}

func inArray(value any, present bool, arg any) bool {
	for _, candidate := range asArray(arg) {
		if equal(value, present, candidate) {
			return true
		}
	}
	return false
}

func equal(value any, present bool, arg any) bool {
	if arg == nil {
		return !present || value == nil
	}
	if !present || value == nil {
		return false
	}
	if c, ok := compare(value, arg); ok {
		return c == 0
	}
	return false
}

// compare orders two scalars of compatible kinds.
func compare(a, b any) (int, bool) {
	if x, ok := toFloat(a); ok {
		if y, ok := toFloat(b); ok {
			switch {
			case x < y:
				return -1, true
			case x > y:
				return 1, true
			}
			return 0, true
		}
		return 0, false
	}
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	case bool:
		y, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case x == y:
			return 0, true
		case !x:
			return -1, true
		}
		return 1, true
	case primitive.DateTime:
		var y primitive.DateTime
		switch t := b.(type) {
		case primitive.DateTime:
			y = t
		case time.Time:
			y = primitive.NewDateTimeFromTime(t)
		default:
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// compareForSort orders like MongoDB does for the types we store: missing
// and null sort before everything else.
func compareForSort(a any, aPresent bool, b any, bPresent bool) int {
	aNull := !aPresent || a == nil
	bNull := !bPresent || b == nil
	switch {
	case aNull && bNull:
		return 0
	case aNull:
		return -1
	case bNull:
		return 1
	}
	c, _ := compare(a, b)
	return c
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func asMap(v any) (bson.M, bool) {
	switch m := v.(type) {
	case bson.M:
		return m, true
	case map[string]any:
		return bson.M(m), true
	case bson.D:
		out := bson.M{}
		for _, e := range m {
			out[e.Key] = e.Value
		}
		return out, true
	}
	return nil, false
}

func asArray(v any) []any {
	switch a := v.(type) {
	case bson.A:
		return a
	case []any:
		return a
	}
	return nil
}
