package lexer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenize_Basics(t *testing.T) {
	tests := []struct {
		name  string
		src   string
		kinds []Kind
	}{
		{"member path", "Patient.name", []Kind{Ident, Dot, Ident, EOF}},
		{"function call", "name.exists()", []Kind{Ident, Dot, Ident, LParen, RParen, EOF}},
		{"string literal", "'hello'", []Kind{StringLit, EOF}},
		{"integer literal", "42", []Kind{IntLit, EOF}},
		{"decimal literal", "4.2", []Kind{DecimalLit, EOF}},
		{"comparison ops", "a <= b", []Kind{Ident, Le, Ident, EOF}},
		{"keyword operators", "a and b or c", []Kind{Ident, KwAnd, Ident, KwOr, Ident, EOF}},
		{"this and index", "$this.where($index > 0)", []Kind{ThisVar, Dot, Ident, LParen, IndexVar, Gt, IntLit, RParen, EOF}},
		{"date literal", "@2020-01-01", []Kind{DateLit, EOF}},
		{"quantity literal", "5 'mg'", []Kind{QuantityLit, EOF}},
		{"calendar quantity", "4 days", []Kind{QuantityLit, EOF}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			toks, err := Tokenize(tc.src)
			require.NoError(t, err)
			var kinds []Kind
			for _, tok := range toks {
				kinds = append(kinds, tok.Kind)
			}
			assert.Equal(t, tc.kinds, kinds)
		})
	}
}

func TestTokenize_StringEscapes(t *testing.T) {
	toks, err := Tokenize(`'a\nb\tc'`)
	require.NoError(t, err)
	require.Len(t, toks, 2)
	assert.Equal(t, "a\nb\tc", toks[0].Value)
}

func TestTokenize_UnterminatedString(t *testing.T) {
	_, err := Tokenize("'abc")
	require.Error(t, err)
	lexErr, ok := err.(*LexError)
	require.True(t, ok)
	assert.Equal(t, UnterminatedString, lexErr.Kind)
}

func TestTokenize_StrayCharacter(t *testing.T) {
	_, err := Tokenize("a ^ b")
	require.Error(t, err)
	lexErr, ok := err.(*LexError)
	require.True(t, ok)
	assert.Equal(t, StrayCharacter, lexErr.Kind)
}

func TestTokenize_DelimitedIdentifier(t *testing.T) {
	toks, err := Tokenize("`div`.exists()")
	require.NoError(t, err)
	assert.Equal(t, DelimitedIdent, toks[0].Kind)
	assert.Equal(t, "div", toks[0].Value)
}
