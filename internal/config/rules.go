package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Rules はスコアリング・エンティティ検出・ハッシュタグ生成のルールを保持する。
// RULES_FILE のYAMLから読み込み、未指定のセクションはデフォルト値を使う。
type Rules struct {
	Keywords  KeywordTiers `yaml:"keywords"`
	Clickbait Clickbait    `yaml:"clickbait"`
	Entities  []string     `yaml:"entities"`
	Hashtags  Hashtags     `yaml:"hashtags"`
}

// KeywordTiers は3階層のキーワードリスト。
type KeywordTiers struct {
	High   []string `yaml:"high"`
	Medium []string `yaml:"medium"`
	Low    []string `yaml:"low"`
}

// Clickbait は釣りタイトル判定のパターン。
type Clickbait struct {
	Patterns []string `yaml:"patterns"`
}

// Hashtags はキーワードからハッシュタグへの対応表。
type Hashtags struct {
	Games     map[string]string `yaml:"games"`
	Platforms map[string]string `yaml:"platforms"`
	Actions   map[string]string `yaml:"actions"`
	Max       int               `yaml:"max"`
}

// DefaultRules はゲームニュース向けのデフォルトルールを返す。
func DefaultRules() Rules {
	return Rules{
		Keywords: KeywordTiers{
			High: []string{
				"анонс", "релиз", "трейлер",
				"announcement", "release", "trailer", "announced", "released",
				"exclusive", "debut", "premiere",
			},
			Medium: []string{
				"патч", "обновление", "скидка",
				"patch", "update", "sale", "discount", "upgrade", "bug fix",
				"hotfix", "expansion", "dlc",
			},
			Low: []string{
				"мод", "ранний доступ",
				"mod", "early access", "beta", "alpha", "rumor", "leak",
				"speculation", "fan-made",
			},
		},
		Clickbait: Clickbait{
			Patterns: []string{
				`[!?]{3,}`,
				`(?i)you won'?t believe`,
				`(?i)\bshocking\b`,
				`(?i)\bgone wrong\b`,
			},
		},
		Entities: []string{
			"Rockstar", "Ubisoft", "Activision", "Blizzard", "Square Enix",
			"FromSoftware", "Naughty Dog", "Insomniac", "Nintendo", "Valve",
			"Steam", "PlayStation", "Xbox", "Epic Games",
		},
		Hashtags: Hashtags{
			Games: map[string]string{
				"rpg": "#RPG", "fps": "#FPS", "strategy": "#Strategy",
				"adventure": "#Adventure", "shooter": "#Shooter", "mmo": "#MMO",
				"rts": "#RTS", "simulation": "#Simulation", "sports": "#Sports",
				"racing": "#Racing",
			},
			Platforms: map[string]string{
				"pc": "#PC", "ps5": "#PS5", "ps4": "#PS4",
				"xbox series x": "#XboxSeriesX", "xbox series s": "#XboxSeriesS",
				"xbox one": "#XboxOne", "switch": "#NintendoSwitch",
				"mobile": "#Mobile", "ios": "#iOS", "android": "#Android",
			},
			Actions: map[string]string{
				"анонс": "#Announcement", "релиз": "#Release", "трейлер": "#Trailer",
				"патч": "#Patch", "обновление": "#Update", "скидка": "#Sale",
				"announcement": "#Announcement", "release": "#Release",
				"trailer": "#Trailer", "patch": "#Patch", "update": "#Update",
				"sale": "#Sale", "beta": "#Beta", "dlc": "#DLC",
			},
			Max: 10,
		},
	}
}

// LoadRules はYAMLファイルからRulesを読み込む。
// pathが空の場合はデフォルトルールを返す。ファイル内で空のセクションはデフォルト値で補う。
func LoadRules(path string) (Rules, error) {
	def := DefaultRules()
	if path == "" {
		return def, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("ルールファイルの読み込みに失敗しました: %w", err)
	}

	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Rules{}, fmt.Errorf("ルールファイルのパースに失敗しました: %w", err)
	}

	if len(r.Keywords.High) == 0 && len(r.Keywords.Medium) == 0 && len(r.Keywords.Low) == 0 {
		r.Keywords = def.Keywords
	}
	if len(r.Clickbait.Patterns) == 0 {
		r.Clickbait = def.Clickbait
	}
	if len(r.Entities) == 0 {
		r.Entities = def.Entities
	}
	if r.Hashtags.Games == nil {
		r.Hashtags.Games = def.Hashtags.Games
	}
	if r.Hashtags.Platforms == nil {
		r.Hashtags.Platforms = def.Hashtags.Platforms
	}
	if r.Hashtags.Actions == nil {
		r.Hashtags.Actions = def.Hashtags.Actions
	}
	if r.Hashtags.Max <= 0 {
		r.Hashtags.Max = def.Hashtags.Max
	}

	return r, nil
}

// FeedSource はポーリング対象のフィード定義。
type FeedSource struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	URL      string `yaml:"url"`
	Weight   int    `yaml:"weight"`
	Language string `yaml:"language"`
}

type feedsFile struct {
	Feeds []FeedSource `yaml:"feeds"`
}

// LoadFeeds はYAMLファイルからフィード定義を読み込む。
// IDが空の場合はNameを、Languageが空の場合はdefaultLangを使用する。
func LoadFeeds(path, defaultLang string) ([]FeedSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("フィード定義ファイルの読み込みに失敗しました: %w", err)
	}

	var f feedsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("フィード定義ファイルのパースに失敗しました: %w", err)
	}

	feeds := make([]FeedSource, 0, len(f.Feeds))
	for i, src := range f.Feeds {
		if src.URL == "" {
			return nil, fmt.Errorf("feeds[%d]: url が未設定です", i)
		}
		if src.ID == "" {
			src.ID = src.Name
		}
		if src.ID == "" {
			src.ID = src.URL
		}
		if src.Language == "" {
			src.Language = defaultLang
		}
		feeds = append(feeds, src)
	}
	return feeds, nil
}
