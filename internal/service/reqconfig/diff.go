package reqconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/zacharykka/genai-governor/internal/domain"
)

// DiffSegment 是快照文本差异的一个片段。
type DiffSegment struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// FieldChange 描述单个配置字段的变化。
type FieldChange struct {
	Key   string `json:"key"`
	Type  string `json:"type"`
	Left  string `json:"left,omitempty"`
	Right string `json:"right,omitempty"`
}

// VersionSummary 是版本的摘要信息。
type VersionSummary struct {
	Version   int       `json:"version"`
	CreatedBy *string   `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// VersionDiff 汇总两个版本之间的文本与字段差异。
type VersionDiff struct {
	ConfigID string         `json:"config_id"`
	Base     VersionSummary `json:"base"`
	Target   VersionSummary `json:"target"`
	Snapshot []DiffSegment  `json:"snapshot"`
	Fields   []FieldChange  `json:"fields"`
}

// DiffVersions 比较配置的两个版本。to<=0 表示当前版本，from<=0 表示 to 的上一个版本。
func (s *Service) DiffVersions(ctx context.Context, configID string, from, to int) (*VersionDiff, error) {
	cfg, err := s.Get(ctx, configID)
	if err != nil {
		return nil, err
	}
	if to <= 0 {
		to = cfg.Version
	}
	if from <= 0 {
		from = to - 1
	}
	if from <= 0 {
		return nil, ErrVersionNotFound
	}

	base, err := s.loadVersion(ctx, configID, from)
	if err != nil {
		return nil, err
	}
	target, err := s.loadVersion(ctx, configID, to)
	if err != nil {
		return nil, err
	}

	return &VersionDiff{
		ConfigID: configID,
		Base:     summarizeVersion(base),
		Target:   summarizeVersion(target),
		Snapshot: buildTextDiff(string(base.Snapshot), string(target.Snapshot)),
		Fields:   buildFieldDiff(base.Snapshot, target.Snapshot),
	}, nil
}

func (s *Service) loadVersion(ctx context.Context, configID string, version int) (*domain.RequestConfigVersion, error) {
	v, err := s.repos.RequestConfigs.GetVersion(ctx, configID, version)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, ErrVersionNotFound
		}
		return nil, err
	}
	return v, nil
}

func buildTextDiff(left, right string) []DiffSegment {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(left, right, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	segments := make([]DiffSegment, 0, len(diffs))
	for _, piece := range diffs {
		if piece.Text == "" {
			continue
		}
		segType := "equal"
		switch piece.Type {
		case diffmatchpatch.DiffDelete:
			segType = "delete"
		case diffmatchpatch.DiffInsert:
			segType = "insert"
		}
		segments = append(segments, DiffSegment{Type: segType, Text: piece.Text})
	}
	return segments
}

func buildFieldDiff(leftRaw, rightRaw json.RawMessage) []FieldChange {
	leftMap := map[string]any{}
	if len(leftRaw) > 0 {
		_ = json.Unmarshal(leftRaw, &leftMap)
	}
	rightMap := map[string]any{}
	if len(rightRaw) > 0 {
		_ = json.Unmarshal(rightRaw, &rightMap)
	}

	keys := make(map[string]struct{}, len(leftMap)+len(rightMap))
	for key := range leftMap {
		keys[key] = struct{}{}
	}
	for key := range rightMap {
		keys[key] = struct{}{}
	}

	changes := make([]FieldChange, 0)
	for key := range keys {
		leftVal, leftOK := leftMap[key]
		rightVal, rightOK := rightMap[key]
		switch {
		case !leftOK && rightOK:
			changes = append(changes, FieldChange{Key: key, Type: "added", Right: stringify(rightVal)})
		case leftOK && !rightOK:
			changes = append(changes, FieldChange{Key: key, Type: "removed", Left: stringify(leftVal)})
		default:
			l, r := stringify(leftVal), stringify(rightVal)
			if l == r {
				continue
			}
			changes = append(changes, FieldChange{Key: key, Type: "modified", Left: l, Right: r})
		}
	}

	sort.Slice(changes, func(i, j int) bool {
		return changes[i].Key < changes[j].Key
	})
	return changes
}

func stringify(value any) string {
	if value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return v
	case float64, bool:
		return fmt.Sprintf("%v", v)
	default:
		bytes, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(bytes)
	}
}

func summarizeVersion(v *domain.RequestConfigVersion) VersionSummary {
	return VersionSummary{
		Version:   v.Version,
		CreatedBy: v.CreatedBy,
		CreatedAt: v.CreatedAt,
	}
}
