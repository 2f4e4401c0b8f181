package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChaceQC/napcat-plugin-pixiv/internal/adapters/onebot"
	"github.com/ChaceQC/napcat-plugin-pixiv/internal/domain"
	"github.com/ChaceQC/napcat-plugin-pixiv/internal/infra/metrics"
	"github.com/ChaceQC/napcat-plugin-pixiv/internal/usecase/banlist"
	"github.com/ChaceQC/napcat-plugin-pixiv/internal/usecase/fetch"
	"github.com/ChaceQC/napcat-plugin-pixiv/internal/usecase/imagecache"
	"github.com/ChaceQC/napcat-plugin-pixiv/internal/usecase/limits"
	"github.com/ChaceQC/napcat-plugin-pixiv/internal/usecase/settings"
)

// Sender отправляет сообщения через NapCat.
type Sender interface {
	SendGroupMessage(ctx context.Context, groupID int64, segments []onebot.Segment) error
	SendPrivateMessage(ctx context.Context, userID int64, segments []onebot.Segment) error
	SendGroupForward(ctx context.Context, groupID int64, nodes []onebot.Node) error
	SendPrivateForward(ctx context.Context, userID int64, nodes []onebot.Node) error
}

// Handler обслуживает входящие события NapCat.
type Handler struct {
	sender     Sender
	log        zerolog.Logger
	fetchUC    *fetch.Service
	banUC      *banlist.Service
	settingsUC *settings.Service
	images     *imagecache.Cache
	window     *limits.Window
	cooldown   *limits.Cooldown
}

// NewHandler создаёт обработчик.
func NewHandler(sender Sender, logger zerolog.Logger, fetchUC *fetch.Service, banUC *banlist.Service, settingsUC *settings.Service, images *imagecache.Cache, window *limits.Window, cooldown *limits.Cooldown) *Handler {
	return &Handler{
		sender:     sender,
		log:        logger,
		fetchUC:    fetchUC,
		banUC:      banUC,
		settingsUC: settingsUC,
		images:     images,
		window:     window,
		cooldown:   cooldown,
	}
}

// HandleEvent обрабатывает входящее событие.
func (h *Handler) HandleEvent(ctx context.Context, ev onebot.Event) {
	if !ev.IsMessage() {
		return
	}
	text := strings.TrimSpace(ev.RawMessage)
	switch {
	case strings.HasPrefix(text, "/art_rec"):
		h.handleRecommend(ctx, ev)
	case strings.HasPrefix(text, "/art_ban"):
		payload := strings.TrimSpace(strings.TrimPrefix(text, "/art_ban"))
		h.handleBan(ctx, ev, payload)
	case strings.HasPrefix(text, "/art_set"):
		payload := strings.TrimSpace(strings.TrimPrefix(text, "/art_set"))
		h.handleSet(ctx, ev, payload)
	case strings.HasPrefix(text, "/art_reload"):
		h.handleReload(ctx, ev)
	case strings.HasPrefix(text, "/art_clean"):
		payload := strings.TrimSpace(strings.TrimPrefix(text, "/art_clean"))
		h.handleClean(ctx, ev, payload)
	case strings.HasPrefix(text, "/art"):
		keyword := strings.TrimSpace(strings.TrimPrefix(text, "/art"))
		h.handleSearch(ctx, ev, keyword)
	case strings.HasPrefix(text, "/help"):
		h.reply(ctx, ev, h.buildHelpMessage())
	}
}

func (h *Handler) handleSearch(ctx context.Context, ev onebot.Event, keyword string) {
	if keyword == "" {
		h.reply(ctx, ev, "Отправьте /art ключевое_слово")
		return
	}
	if !h.passGates(ctx, ev) {
		return
	}
	if rule, ok := h.banUC.MatchKeyword(keyword); ok {
		h.log.Debug().Str("keyword", keyword).Str("pattern", rule.Pattern).Msg("запрос отклонён запрещённым словом")
		h.reply(ctx, ev, "Запрос содержит запрещённое слово")
		return
	}
	metrics.CommandsTotal.WithLabelValues("search").Inc()
	result, err := h.fetchUC.SearchFor(ctx, keyword)
	if err != nil {
		h.replyFetchError(ctx, ev, err)
		return
	}
	header := fmt.Sprintf("Подборка по запросу «%s»", keyword)
	h.deliver(ctx, ev, result, header)
}

func (h *Handler) handleRecommend(ctx context.Context, ev onebot.Event) {
	if !h.passGates(ctx, ev) {
		return
	}
	metrics.CommandsTotal.WithLabelValues("recommend").Inc()
	result, err := h.fetchUC.Recommended(ctx)
	if err != nil {
		h.replyFetchError(ctx, ev, err)
		return
	}
	h.deliver(ctx, ev, result, "Рекомендованные иллюстрации")
}

// passGates проверяет кулдаун группы и глобальный лимит запросов.
// Личные диалоги кулдауну не подчиняются.
func (h *Handler) passGates(ctx context.Context, ev onebot.Event) bool {
	if ev.IsGroup() {
		if left := h.cooldown.Remaining(groupKey(ev)); left > 0 {
			metrics.CooldownRejectedTotal.Inc()
			h.reply(ctx, ev, fmt.Sprintf("Подождите ещё %d сек.", int(left.Round(time.Second).Seconds())))
			return false
		}
	}
	if !h.window.Allow() {
		metrics.RateLimitedTotal.Inc()
		h.reply(ctx, ev, "Слишком много запросов, попробуйте через минуту")
		return false
	}
	return true
}

func (h *Handler) replyFetchError(ctx context.Context, ev onebot.Event, err error) {
	h.log.Error().Err(err).Msg("сессия получения завершилась ошибкой")
	if errors.Is(err, fetch.ErrAuth) {
		h.reply(ctx, ev, "Не удалось авторизоваться в pixiv. Проверьте refresh token.")
		return
	}
	h.reply(ctx, ev, "Не удалось обратиться к pixiv, попробуйте позже")
}

// deliver скачивает изображения собранных работ и отправляет подборку одним
// пересылаемым сообщением. Неудачная загрузка выкидывает только свою работу.
func (h *Handler) deliver(ctx context.Context, ev onebot.Event, result domain.FetchResult, header string) {
	if len(result.Items) == 0 {
		if result.Stats.Rejected() > 0 {
			h.reply(ctx, ev, fmt.Sprintf(
				"Найдено %d работ, но все отфильтрованы (R-18: %d, чувствительные: %d, запрещённые слова: %d)",
				result.Stats.Scanned, result.Stats.MatureRejected, result.Stats.SensitiveRejected, result.Stats.BannedRejected))
			return
		}
		h.reply(ctx, ev, "Ничего не найдено")
		return
	}

	paths := make([]string, len(result.Items))
	errs := make([]error, len(result.Items))
	var wg sync.WaitGroup
	for i, item := range result.Items {
		wg.Add(1)
		go func(i int, item domain.SafeIllust) {
			defer wg.Done()
			paths[i], errs[i] = h.images.Fetch(ctx, item.ImageURL)
		}(i, item)
	}
	wg.Wait()

	target := h.settingsUC.Current().TargetCount
	if len(result.Items) < target {
		header += fmt.Sprintf(" (найдено %d из %d)", len(result.Items), target)
	}
	content := []onebot.Segment{onebot.Text(header)}
	delivered := 0
	for i, item := range result.Items {
		if errs[i] != nil {
			h.log.Warn().Err(errs[i]).Int64("illust", item.ID).Msg("изображение пропущено")
			continue
		}
		caption := fmt.Sprintf("%s\n%s\npid: %d", item.Title, item.AuthorName, item.ID)
		content = append(content, onebot.Image(paths[i]), onebot.Text(caption))
		delivered++
	}
	if delivered == 0 {
		h.reply(ctx, ev, "Не удалось загрузить ни одного изображения, попробуйте позже")
		return
	}

	nodes := []onebot.Node{{UserID: ev.SelfID, Nickname: "pixiv", Content: content}}
	var err error
	if ev.IsGroup() {
		err = h.sender.SendGroupForward(ctx, ev.GroupID, nodes)
	} else {
		err = h.sender.SendPrivateForward(ctx, ev.UserID, nodes)
	}
	if err != nil {
		h.log.Error().Err(err).Msg("не удалось отправить подборку")
		h.reply(ctx, ev, "Не удалось отправить подборку")
		return
	}
	if ev.IsGroup() {
		h.cooldown.Start(groupKey(ev))
	}
}

func (h *Handler) handleBan(ctx context.Context, ev onebot.Event, payload string) {
	if !h.isAdmin(ev) {
		h.reply(ctx, ev, "Команда доступна только администраторам")
		return
	}
	parts := strings.Fields(payload)
	if len(parts) == 0 {
		h.reply(ctx, ev, "Используйте /art_ban list|add|del|on|off")
		return
	}
	switch parts[0] {
	case "list":
		h.replyBanList(ctx, ev)
	case "add":
		h.handleBanAdd(ctx, ev, parts[1:])
	case "del":
		h.handleBanRemove(ctx, ev, parts[1:])
	case "on", "off":
		h.handleBanToggle(ctx, ev, parts[0] == "on", parts[1:])
	default:
		h.reply(ctx, ev, "Неизвестная подкоманда. Используйте /art_ban list|add|del|on|off")
	}
}

func (h *Handler) replyBanList(ctx context.Context, ev onebot.Event) {
	rules := h.banUC.List()
	if len(rules) == 0 {
		h.reply(ctx, ev, "Список запрещённых слов пуст")
		return
	}
	var b strings.Builder
	b.WriteString("Запрещённые слова:\n")
	for i, rule := range rules {
		state := "вкл"
		if !rule.Enabled {
			state = "выкл"
		}
		b.WriteString(fmt.Sprintf("%d. [%s, %s] %s (%s)\n", i+1, rule.Kind, state, rule.Pattern, shortID(rule.ID.String())))
	}
	h.reply(ctx, ev, strings.TrimRight(b.String(), "\n"))
}

func (h *Handler) handleBanAdd(ctx context.Context, ev onebot.Event, args []string) {
	if len(args) == 0 {
		h.reply(ctx, ev, "Используйте /art_ban add [exact|fuzzy|regex] шаблон")
		return
	}
	kind := domain.MatchFuzzy
	pattern := strings.Join(args, " ")
	if first := domain.MatchKind(args[0]); first.Valid() && len(args) > 1 {
		kind = first
		pattern = strings.Join(args[1:], " ")
	}
	rule, err := h.banUC.Add(pattern, kind)
	if err != nil {
		if errors.Is(err, banlist.ErrBadPattern) {
			h.reply(ctx, ev, fmt.Sprintf("Некорректное регулярное выражение: %v", err))
			return
		}
		h.reply(ctx, ev, fmt.Sprintf("Не удалось добавить правило: %v", err))
		return
	}
	h.reply(ctx, ev, fmt.Sprintf("Правило добавлено: [%s] %s (%s)", rule.Kind, rule.Pattern, shortID(rule.ID.String())))
}

func (h *Handler) handleBanRemove(ctx context.Context, ev onebot.Event, args []string) {
	if len(args) != 1 {
		h.reply(ctx, ev, "Используйте /art_ban del идентификатор")
		return
	}
	rule, ok := h.findRule(args[0])
	if !ok {
		h.reply(ctx, ev, "Правило не найдено")
		return
	}
	if err := h.banUC.Remove(rule.ID); err != nil {
		h.reply(ctx, ev, fmt.Sprintf("Не удалось удалить правило: %v", err))
		return
	}
	h.reply(ctx, ev, fmt.Sprintf("Правило %s удалено", rule.Pattern))
}

func (h *Handler) handleBanToggle(ctx context.Context, ev onebot.Event, enable bool, args []string) {
	if len(args) != 1 {
		h.reply(ctx, ev, "Укажите идентификатор правила")
		return
	}
	rule, ok := h.findRule(args[0])
	if !ok {
		h.reply(ctx, ev, "Правило не найдено")
		return
	}
	if _, err := h.banUC.SetEnabled(rule.ID, enable); err != nil {
		h.reply(ctx, ev, fmt.Sprintf("Не удалось обновить правило: %v", err))
		return
	}
	if enable {
		h.reply(ctx, ev, fmt.Sprintf("Правило %s включено", rule.Pattern))
	} else {
		h.reply(ctx, ev, fmt.Sprintf("Правило %s выключено", rule.Pattern))
	}
}

// findRule ищет правило по префиксу идентификатора.
func (h *Handler) findRule(idPrefix string) (domain.BanRule, bool) {
	idPrefix = strings.ToLower(idPrefix)
	for _, rule := range h.banUC.List() {
		if strings.HasPrefix(rule.ID.String(), idPrefix) {
			return rule, true
		}
	}
	return domain.BanRule{}, false
}

func (h *Handler) handleSet(ctx context.Context, ev onebot.Event, payload string) {
	if !h.isAdmin(ev) {
		h.reply(ctx, ev, "Команда доступна только администраторам")
		return
	}
	parts := strings.Fields(payload)
	if len(parts) != 2 {
		h.reply(ctx, ev, "Используйте /art_set параметр значение. Параметры: target, rate, cooldown, clean, sort, match, r18, sensitive, token")
		return
	}
	key, value := parts[0], parts[1]
	_, err := h.settingsUC.Update(func(opts *settings.Options) {
		switch key {
		case "target":
			opts.TargetCount = atoiOr(value, opts.TargetCount)
		case "rate":
			opts.RateLimitPerMinute = atoiOr(value, opts.RateLimitPerMinute)
		case "cooldown":
			opts.GroupCooldownSeconds = atoiOr(value, opts.GroupCooldownSeconds)
		case "clean":
			opts.CacheCleanMinutes = atoiOr(value, opts.CacheCleanMinutes)
		case "sort":
			opts.SortOrder = value
		case "match":
			opts.MatchMode = value
		case "r18":
			opts.AllowMature = value == "on"
		case "sensitive":
			opts.AllowSensitive = value == "on"
		case "token":
			opts.RefreshToken = value
		}
	})
	if err != nil {
		h.reply(ctx, ev, fmt.Sprintf("Не удалось применить настройку: %v", err))
		return
	}
	h.reply(ctx, ev, fmt.Sprintf("Настройка %s применена", key))
}

func (h *Handler) handleReload(ctx context.Context, ev onebot.Event) {
	if !h.isAdmin(ev) {
		h.reply(ctx, ev, "Команда доступна только администраторам")
		return
	}
	if err := h.settingsUC.Reload(); err != nil {
		h.reply(ctx, ev, fmt.Sprintf("Не удалось перечитать настройки: %v", err))
		return
	}
	h.banUC.Reload()
	h.reply(ctx, ev, "Настройки и правила перечитаны")
}

func (h *Handler) handleClean(ctx context.Context, ev onebot.Event, payload string) {
	if !h.isAdmin(ev) {
		h.reply(ctx, ev, "Команда доступна только администраторам")
		return
	}
	if payload == "all" {
		if err := h.images.CleanAll(); err != nil {
			h.reply(ctx, ev, fmt.Sprintf("Не удалось очистить кэш: %v", err))
			return
		}
		h.reply(ctx, ev, "Кэш изображений полностью очищен")
		return
	}
	removed, err := h.images.CleanStale(imagecache.StaleWindow)
	if err != nil {
		h.reply(ctx, ev, fmt.Sprintf("Не удалось очистить кэш: %v", err))
		return
	}
	h.reply(ctx, ev, fmt.Sprintf("Удалено файлов: %d", removed))
}

// isAdmin разрешает административные команды владельцу и админам группы,
// а в личных диалогах — всем.
func (h *Handler) isAdmin(ev onebot.Event) bool {
	if !ev.IsGroup() {
		return true
	}
	return ev.Sender.Role == "owner" || ev.Sender.Role == "admin"
}

func (h *Handler) reply(ctx context.Context, ev onebot.Event, text string) {
	segments := []onebot.Segment{onebot.Text(text)}
	var err error
	if ev.IsGroup() {
		err = h.sender.SendGroupMessage(ctx, ev.GroupID, segments)
	} else {
		err = h.sender.SendPrivateMessage(ctx, ev.UserID, segments)
	}
	if err != nil {
		h.log.Error().Err(err).Msg("не удалось отправить сообщение")
	}
}

func (h *Handler) buildHelpMessage() string {
	lines := []string{
		"Команды плагина pixiv:",
		"• /art ключевое_слово — подборка по запросу.",
		"• /art_rec — подборка из рекомендаций.",
		"• /art_ban list|add|del|on|off — запрещённые слова (админ).",
		"• /art_set параметр значение — настройки (админ).",
		"• /art_reload — перечитать настройки и правила (админ).",
		"• /art_clean [all] — очистить кэш изображений (админ).",
	}
	return strings.Join(lines, "\n")
}

func groupKey(ev onebot.Event) string {
	return strconv.FormatInt(ev.GroupID, 10)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func atoiOr(value string, fallback int) int {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}
