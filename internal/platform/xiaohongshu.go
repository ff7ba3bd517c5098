package platform

import (
	"context"
	"fmt"
	"net/url"

	"github.com/bettaflow/mediaspider/internal/model"
)

var (
	xhsLoginMarkers     = []string{"/login", "passport.xiaohongshu.com"}
	xhsChallengeMarkers = []string{"verify-page", "扫码验证", "滑动验证"}
)

const xhsSearchExtractJS = `
(function() {
	var out = [];
	document.querySelectorAll('section.note-item').forEach(function(card) {
		var link = card.querySelector('a[href*="/explore/"]');
		var href = link ? link.getAttribute('href') : '';
		var id = (href.match(/explore\/(\w+)/) || [])[1] || '';
		out.push({
			id: id,
			title: (card.querySelector('.title') || {textContent: ''}).textContent.trim(),
			author: (card.querySelector('.author .name, .user .name') || {textContent: ''}).textContent.trim(),
			url: link ? link.href : ''
		});
	});
	return out;
})()`

const xhsDetailExtractJS = `
(function() {
	var id = (location.pathname.match(/explore\/(\w+)/) || [])[1] || '';
	if (!id) { return []; }
	return [{
		id: id,
		title: (document.querySelector('#detail-title') || {textContent: ''}).textContent.trim(),
		author: (document.querySelector('.author-container .name') || {textContent: ''}).textContent.trim(),
		body: (document.querySelector('#detail-desc') || {textContent: ''}).textContent.trim(),
		url: location.href
	}];
})()`

const xhsCommentsExtractJS = `
(function() {
	var out = [];
	document.querySelectorAll('.comment-item').forEach(function(item) {
		out.push({
			id: item.id || item.getAttribute('data-id') || '',
			author: (item.querySelector('.author .name') || {textContent: ''}).textContent.trim(),
			body: (item.querySelector('.note-text, .content') || {textContent: ''}).textContent.trim(),
			url: location.href
		});
	});
	return out;
})()`

type xiaohongshuCrawler struct {
	base
}

func (c *xiaohongshuCrawler) Platform() model.Platform { return model.PlatformXiaohongshu }

func (c *xiaohongshuCrawler) SearchByKeyword(ctx context.Context, b Browser, keyword, cursor string) (*Page, error) {
	pageURL := fmt.Sprintf("https://www.xiaohongshu.com/search_result?keyword=%s&page=%d", url.QueryEscape(keyword), cursorPage(cursor))
	return c.crawl(ctx, b, model.KindSearch, pageURL, cursor, xhsSearchExtractJS, xhsLoginMarkers, xhsChallengeMarkers)
}

func (c *xiaohongshuCrawler) FetchByID(ctx context.Context, b Browser, id string) (*Page, error) {
	pageURL := "https://www.xiaohongshu.com/explore/" + url.PathEscape(id)
	return c.crawl(ctx, b, model.KindDetail, pageURL, "", xhsDetailExtractJS, xhsLoginMarkers, xhsChallengeMarkers)
}

func (c *xiaohongshuCrawler) FetchComments(ctx context.Context, b Browser, id, cursor string) (*Page, error) {
	pageURL := fmt.Sprintf("https://www.xiaohongshu.com/explore/%s?comments_page=%d", url.PathEscape(id), cursorPage(cursor))
	return c.crawl(ctx, b, model.KindComments, pageURL, cursor, xhsCommentsExtractJS, xhsLoginMarkers, xhsChallengeMarkers)
}

func (c *xiaohongshuCrawler) FetchCreatorFeed(ctx context.Context, b Browser, creatorID, cursor string) (*Page, error) {
	pageURL := fmt.Sprintf("https://www.xiaohongshu.com/user/profile/%s?page=%d", url.PathEscape(creatorID), cursorPage(cursor))
	return c.crawl(ctx, b, model.KindCreatorFeed, pageURL, cursor, xhsSearchExtractJS, xhsLoginMarkers, xhsChallengeMarkers)
}
