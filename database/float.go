package database

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Float is a float64 that keeps ±Inf and NaN through JSON and DynamoDB,
// neither of which has a number form for them. Non-finite values are
// written as the strings "+Inf", "-Inf" and "NaN". BSON stores them as
// doubles unchanged.
type Float float64

func nonFinite(v float64) (string, bool) {
	switch {
	case math.IsInf(v, 1):
		return "+Inf", true
	case math.IsInf(v, -1):
		return "-Inf", true
	case math.IsNaN(v):
		return "NaN", true
	}
	return "", false
}

func parseNonFinite(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if _, ok := nonFinite(v); !ok {
		return 0, fmt.Errorf("database: %q is not a non-finite number", s)
	}
	return v, nil
}

func (f Float) MarshalJSON() ([]byte, error) {
	if s, ok := nonFinite(float64(f)); ok {
		return json.Marshal(s)
	}
	return json.Marshal(float64(f))
}

func (f *Float) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, err := parseNonFinite(s)
		if err != nil {
			return err
		}
		*f = Float(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = Float(v)
	return nil
}

func (f Float) MarshalDynamoDBAttributeValue() (types.AttributeValue, error) {
	if s, ok := nonFinite(float64(f)); ok {
		return &types.AttributeValueMemberS{Value: s}, nil
	}
	return &types.AttributeValueMemberN{Value: strconv.FormatFloat(float64(f), 'g', -1, 64)}, nil
}

func (f *Float) UnmarshalDynamoDBAttributeValue(av types.AttributeValue) error {
	var (
		v   float64
		err error
	)
	switch tv := av.(type) {
	case *types.AttributeValueMemberN:
		v, err = strconv.ParseFloat(tv.Value, 64)
	case *types.AttributeValueMemberS:
		v, err = parseNonFinite(tv.Value)
	case *types.AttributeValueMemberNULL, nil:
		v = 0
	default:
		return fmt.Errorf("database: cannot decode %T into a number", av)
	}
	if err != nil {
		return err
	}
	*f = Float(v)
	return nil
}
