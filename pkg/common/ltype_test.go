package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_parseLType(t *testing.T) {
	for _, typ := range []LType{
		BooleanType(),
		IntegerType(),
		BigintType(),
		DoubleType(),
		VarcharType(),
		BlobType(),
		DecimalType(15, 2),
	} {
		got, err := ParseLType(typ.String())
		require.NoError(t, err)
		assert.True(t, typ.Equal(got), typ.String())
	}
	_, err := ParseLType("decimal(40,2)")
	assert.Error(t, err)
	_, err = ParseLType("point")
	assert.Error(t, err)
	assert.Equal(t, 16, DecimalType(10, 2).FixedWidth())
	assert.Equal(t, 0, VarcharType().FixedWidth())
}
