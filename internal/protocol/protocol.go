// Package protocol turns events, lobby replies and game snapshots into the
// self-describing text that travels inside frames, and back.
//
// Every entity is a json object carrying its type name under "$type" next to
// its fields. Lists are arrays, untyped maps are plain objects. Enum members
// are written by name, never by value, so payloads stay stable across builds.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/blukai/tictactoenet/internal/game"
)

var (
	ErrUnsupportedType = errors.New("unsupported type")
	ErrMalformed       = errors.New("malformed payload")
)

const typeKey = "$type"

// Marshal serializes v. Supported are nil, bool, int, float64, string,
// []any, map[string]any, Fields, Event, Tag and the game entities.
func Marshal(v any) (string, error) {
	tree, err := encode(v)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(tree)
	if err != nil {
		return "", fmt.Errorf("could not marshal json: %w", err)
	}
	return string(data), nil
}

// Unmarshal restores whatever Marshal produced. Entities come back as their
// game types (*game.TicTacToe for snapshots), untyped objects as
// map[string]any.
func Unmarshal(payload string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(payload))
	dec.UseNumber()

	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data", ErrMalformed)
	}
	return decode(tree)
}

// encoding

type object map[string]any

func typed(typeName string, kv ...any) (object, error) {
	obj := object{typeKey: typeName}
	for i := 0; i < len(kv); i += 2 {
		value, err := encode(kv[i+1])
		if err != nil {
			return nil, fmt.Errorf("could not encode %s.%s: %w", typeName, kv[i], err)
		}
		obj[kv[i].(string)] = value
	}
	return obj, nil
}

func encodeFloat(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%w: %v has no json form", ErrUnsupportedType, f)
	}
	text := strconv.FormatFloat(f, 'g', -1, 64)
	// floats always carry a fraction or an exponent so that they do not
	// come back as ints.
	if !strings.ContainsAny(text, ".eE") {
		text += ".0"
	}
	return json.Number(text), nil
}

func encodeList[T any](items []T) (any, error) {
	if items == nil {
		return nil, nil
	}
	list := make([]any, 0, len(items))
	for _, item := range items {
		value, err := encode(item)
		if err != nil {
			return nil, err
		}
		list = append(list, value)
	}
	return list, nil
}

func encodeMap(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	obj := make(map[string]any, len(m))
	for key, item := range m {
		value, err := encode(item)
		if err != nil {
			return nil, fmt.Errorf("could not encode key %q: %w", key, err)
		}
		obj[key] = value
	}
	return obj, nil
}

func encode(v any) (any, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case bool, string:
		return v, nil
	case int:
		return json.Number(strconv.Itoa(v)), nil
	case float64:
		return encodeFloat(v)
	case []any:
		return encodeList(v)
	case map[string]any:
		return encodeMap(v)
	case Fields:
		return encodeMap(v)

	case Tag:
		if _, ok := tagNames[v]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, v)
		}
		return object{typeKey: v.typeName(), "name": v.String()}, nil
	case Event:
		return typed("Event", "type", v.Tag, "dict", v.Fields)

	case game.Symbol:
		if !v.Valid() {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, v.Name())
		}
		return object{typeKey: "Symbol", "name": v.Name()}, nil
	case game.Vector2:
		return typed("Vector2", "x", v.X, "y", v.Y)
	case game.Cell:
		return typed("Cell", "x", v.X, "y", v.Y)
	case game.Player:
		return typed("Player", "symbol", v.Symbol)
	case game.Mark:
		return typed("Mark",
			"cell", v.Cell,
			"symbol", v.Symbol,
			"size", v.Size,
			"position", v.Position,
			"name", v.Name,
		)
	case game.Grid:
		return typed("Grid", "dim", v.Dim, "cells", v.Cells)
	case game.Config:
		return typed("Config", "cell_width_size", v.CellWidth, "cell_height_size", v.CellHeight)
	case game.TicTacToe:
		return encodeTicTacToe(&v)
	case *game.TicTacToe:
		if v == nil {
			return nil, nil
		}
		return encodeTicTacToe(v)
	case []game.Cell:
		return encodeList(v)
	case []game.Mark:
		return encodeList(v)
	case []game.Player:
		return encodeList(v)
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedType, v)
}

func encodeTicTacToe(t *game.TicTacToe) (any, error) {
	return typed("TicTacToe",
		"size", t.Size,
		"config", t.Config,
		"players", t.Players,
		"grid", t.Grid,
		"marks", t.Marks,
		"turn", t.Turn,
		"updates", t.Updates,
		"time", t.Time,
	)
}

// decoding

func decode(tree any) (any, error) {
	switch v := tree.(type) {
	case nil, bool, string:
		return v, nil
	case json.Number:
		return decodeNumber(v)
	case []any:
		list := make([]any, 0, len(v))
		for _, item := range v {
			value, err := decode(item)
			if err != nil {
				return nil, err
			}
			list = append(list, value)
		}
		return list, nil
	case map[string]any:
		if typeName, ok := v[typeKey]; ok {
			name, ok := typeName.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s is %T", ErrMalformed, typeKey, typeName)
			}
			return decodeTyped(name, object(v))
		}
		obj := make(map[string]any, len(v))
		for key, item := range v {
			value, err := decode(item)
			if err != nil {
				return nil, err
			}
			obj[key] = value
		}
		return obj, nil
	}
	return nil, fmt.Errorf("%w: %T", ErrMalformed, tree)
}

func decodeNumber(n json.Number) (any, error) {
	if strings.ContainsAny(n.String(), ".eE") {
		f, err := n.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		return f, nil
	}
	i, err := n.Int64()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return int(i), nil
}

// decodeTyped is the dispatch table from type names to constructors.
func decodeTyped(typeName string, obj object) (any, error) {
	switch typeName {
	case controlEventType, lobbyEventType:
		name, err := obj.str("name")
		if err != nil {
			return nil, err
		}
		return ParseTag(typeName, name)
	case "Event":
		return obj.event()

	case "Symbol":
		name, err := obj.str("name")
		if err != nil {
			return nil, err
		}
		symbol, err := game.ParseSymbol(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnsupportedType, err)
		}
		return symbol, nil
	case "Vector2":
		return obj.vector2Fields()
	case "Cell":
		return obj.cellFields()
	case "Player":
		symbol, err := obj.symbol("symbol")
		if err != nil {
			return nil, err
		}
		return game.Player{Symbol: symbol}, nil
	case "Mark":
		return obj.markFields()
	case "Grid":
		return obj.gridFields()
	case "Config":
		return obj.configFields()
	case "TicTacToe":
		return obj.ticTacToeFields()
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, typeName)
}

func (o object) field(name string) (any, error) {
	v, ok := o[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no field %q", ErrMalformed, o[typeKey], name)
	}
	return v, nil
}

func (o object) str(name string) (string, error) {
	v, err := o.field(name)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s.%s is %T, want string", ErrMalformed, o[typeKey], name, v)
	}
	return s, nil
}

func (o object) integer(name string) (int, error) {
	v, err := o.decoded(name)
	if err != nil {
		return 0, err
	}
	i, ok := v.(int)
	if !ok {
		return 0, fmt.Errorf("%w: %s.%s is %T, want int", ErrMalformed, o[typeKey], name, v)
	}
	return i, nil
}

func (o object) number(name string) (float64, error) {
	v, err := o.decoded(name)
	if err != nil {
		return 0, err
	}
	switch f := v.(type) {
	case float64:
		return f, nil
	case int:
		return float64(f), nil
	}
	return 0, fmt.Errorf("%w: %s.%s is %T, want float", ErrMalformed, o[typeKey], name, v)
}

func (o object) decoded(name string) (any, error) {
	v, err := o.field(name)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// as decodes field name and asserts its type.
func as[T any](o object, name string) (T, error) {
	var zero T
	v, err := o.decoded(name)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s.%s is %T, want %T", ErrMalformed, o[typeKey], name, v, zero)
	}
	return t, nil
}

// list decodes field name as a list of T. null stays a nil slice.
func list[T any](o object, name string) ([]T, error) {
	v, err := o.decoded(name)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s is %T, want list", ErrMalformed, o[typeKey], name, v)
	}
	out := make([]T, 0, len(items))
	for i, item := range items {
		t, ok := item.(T)
		if !ok {
			var zero T
			return nil, fmt.Errorf("%w: %s.%s[%d] is %T, want %T", ErrMalformed, o[typeKey], name, i, item, zero)
		}
		out = append(out, t)
	}
	return out, nil
}

func (o object) symbol(name string) (game.Symbol, error) {
	return as[game.Symbol](o, name)
}

func (o object) vector2Fields() (game.Vector2, error) {
	x, err := o.number("x")
	if err != nil {
		return game.Vector2{}, err
	}
	y, err := o.number("y")
	if err != nil {
		return game.Vector2{}, err
	}
	return game.Vector2{X: x, Y: y}, nil
}

func (o object) cellFields() (game.Cell, error) {
	x, err := o.integer("x")
	if err != nil {
		return game.Cell{}, err
	}
	y, err := o.integer("y")
	if err != nil {
		return game.Cell{}, err
	}
	return game.Cell{X: x, Y: y}, nil
}

func (o object) markFields() (game.Mark, error) {
	var (
		mark game.Mark
		err  error
	)
	if mark.Cell, err = as[game.Cell](o, "cell"); err != nil {
		return mark, err
	}
	if mark.Symbol, err = o.symbol("symbol"); err != nil {
		return mark, err
	}
	if mark.Size, err = as[game.Vector2](o, "size"); err != nil {
		return mark, err
	}
	if mark.Position, err = as[game.Vector2](o, "position"); err != nil {
		return mark, err
	}
	if mark.Name, err = o.str("name"); err != nil {
		return mark, err
	}
	return mark, nil
}

func (o object) gridFields() (game.Grid, error) {
	dim, err := o.integer("dim")
	if err != nil {
		return game.Grid{}, err
	}
	cells, err := list[game.Cell](o, "cells")
	if err != nil {
		return game.Grid{}, err
	}
	return game.Grid{Dim: dim, Cells: cells}, nil
}

func (o object) configFields() (game.Config, error) {
	w, err := o.number("cell_width_size")
	if err != nil {
		return game.Config{}, err
	}
	h, err := o.number("cell_height_size")
	if err != nil {
		return game.Config{}, err
	}
	return game.Config{CellWidth: w, CellHeight: h}, nil
}

func (o object) ticTacToeFields() (*game.TicTacToe, error) {
	var (
		t   game.TicTacToe
		err error
	)
	if t.Size, err = as[game.Vector2](o, "size"); err != nil {
		return nil, err
	}
	if t.Config, err = as[game.Config](o, "config"); err != nil {
		return nil, err
	}
	if t.Players, err = list[game.Player](o, "players"); err != nil {
		return nil, err
	}
	if t.Grid, err = as[game.Grid](o, "grid"); err != nil {
		return nil, err
	}
	if t.Marks, err = list[game.Mark](o, "marks"); err != nil {
		return nil, err
	}
	if t.Turn, err = o.symbol("turn"); err != nil {
		return nil, err
	}
	if t.Updates, err = o.integer("updates"); err != nil {
		return nil, err
	}
	if t.Time, err = o.number("time"); err != nil {
		return nil, err
	}
	return &t, nil
}

func (o object) event() (Event, error) {
	tag, err := as[Tag](o, "type")
	if err != nil {
		return Event{}, err
	}
	dict, err := o.decoded("dict")
	if err != nil {
		return Event{}, err
	}
	if dict == nil {
		return Event{Tag: tag}, nil
	}
	fields, ok := dict.(map[string]any)
	if !ok {
		return Event{}, fmt.Errorf("%w: event dict is %T", ErrMalformed, dict)
	}
	return Event{Tag: tag, Fields: Fields(fields)}, nil
}
