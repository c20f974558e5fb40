package weather

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Drone registry column headers.
const (
	colModel         = "Model"
	colManufacturer  = "Manufacturer"
	colMinTemp       = "Min. operating temp"
	colMaxTemp       = "Max. operating temp"
	colMaxWind       = "Max. wind speed resistance"
	colPrecipitation = "Precipitation tolerance"
)

// LoadUAVModelsCSV parses the drone registry CSV.
func LoadUAVModelsCSV(r io.Reader) ([]UAVModel, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	for _, col := range []string{colModel, colManufacturer, colMinTemp, colMaxTemp, colMaxWind, colPrecipitation} {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("missing column %q", col)
		}
	}

	var models []UAVModel
	for line := 2; ; line++ {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		num := func(col string) (float64, error) {
			v, err := strconv.ParseFloat(strings.TrimSpace(rec[idx[col]]), 64)
			if err != nil {
				return 0, fmt.Errorf("line %d: column %q: %w", line, col, err)
			}
			return v, nil
		}

		m := UAVModel{
			Model:        strings.TrimSpace(rec[idx[colModel]]),
			Manufacturer: strings.TrimSpace(rec[idx[colManufacturer]]),
		}
		if m.MinOperatingTemp, err = num(colMinTemp); err != nil {
			return nil, err
		}
		if m.MaxOperatingTemp, err = num(colMaxTemp); err != nil {
			return nil, err
		}
		if m.MaxWindSpeed, err = num(colMaxWind); err != nil {
			return nil, err
		}
		if m.PrecipitationTolerance, err = num(colPrecipitation); err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, nil
}

// SeedUAVModels loads the registry into the store unless models already exist.
func (s *Service) SeedUAVModels(ctx context.Context, r io.Reader) (int, error) {
	n, err := s.store.CountUAVModels(ctx)
	if err != nil {
		return 0, fmt.Errorf("count uav models: %w", err)
	}
	if n > 0 {
		s.logger.Info("skipping UAV import", zap.Int64("existing", n))
		return 0, nil
	}

	models, err := LoadUAVModelsCSV(r)
	if err != nil {
		return 0, fmt.Errorf("parse uav registry: %w", err)
	}
	if len(models) == 0 {
		return 0, nil
	}
	if err := s.store.InsertUAVModels(ctx, models); err != nil {
		return 0, fmt.Errorf("store uav models: %w", err)
	}
	s.logger.Info("imported UAV models", zap.Int("count", len(models)))
	return len(models), nil
}
