package platform

import (
	"context"
	"fmt"
	"net/url"

	"github.com/bettaflow/mediaspider/internal/model"
)

var (
	tiebaLoginMarkers     = []string{"passport.baidu.com", "wappass.baidu.com"}
	tiebaChallengeMarkers = []string{"百度安全验证", "verify"}
)

const tiebaSearchExtractJS = `
(function() {
	var out = [];
	document.querySelectorAll('div.s_post, li.j_thread_list').forEach(function(item) {
		var link = item.querySelector('a.bluelink, a.j_th_tit');
		var href = link ? link.getAttribute('href') : '';
		var id = (href.match(/\/p\/(\d+)/) || [])[1] || item.getAttribute('data-tid') || '';
		out.push({
			id: id,
			title: link ? link.textContent.trim() : '',
			author: (item.querySelector('.p_violet, .frs-content-author') || {textContent: ''}).textContent.trim(),
			body: (item.querySelector('.p_content, .threadlist_abs') || {textContent: ''}).textContent.trim(),
			url: link ? link.href : ''
		});
	});
	return out;
})()`

const tiebaPostExtractJS = `
(function() {
	var out = [];
	var tid = (location.pathname.match(/\/p\/(\d+)/) || [])[1] || '';
	document.querySelectorAll('div.l_post').forEach(function(post, idx) {
		out.push({
			id: tid ? tid + '-' + idx : '',
			author: (post.querySelector('.d_name a') || {textContent: ''}).textContent.trim(),
			body: (post.querySelector('.d_post_content') || {textContent: ''}).textContent.trim(),
			url: location.href
		});
	});
	return out;
})()`

type tiebaCrawler struct {
	base
}

func (c *tiebaCrawler) Platform() model.Platform { return model.PlatformTieba }

func (c *tiebaCrawler) SearchByKeyword(ctx context.Context, b Browser, keyword, cursor string) (*Page, error) {
	// Tieba paginates by record offset rather than page number.
	offset := (cursorPage(cursor) - 1) * c.cfg.PageSize
	pageURL := fmt.Sprintf("https://tieba.baidu.com/f/search/res?qw=%s&pn=%d", url.QueryEscape(keyword), offset)
	return c.crawl(ctx, b, model.KindSearch, pageURL, cursor, tiebaSearchExtractJS, tiebaLoginMarkers, tiebaChallengeMarkers)
}

func (c *tiebaCrawler) FetchByID(ctx context.Context, b Browser, id string) (*Page, error) {
	pageURL := "https://tieba.baidu.com/p/" + url.PathEscape(id)
	return c.crawl(ctx, b, model.KindDetail, pageURL, "", tiebaPostExtractJS, tiebaLoginMarkers, tiebaChallengeMarkers)
}

func (c *tiebaCrawler) FetchComments(ctx context.Context, b Browser, id, cursor string) (*Page, error) {
	pageURL := fmt.Sprintf("https://tieba.baidu.com/p/%s?pn=%d", url.PathEscape(id), cursorPage(cursor))
	return c.crawl(ctx, b, model.KindComments, pageURL, cursor, tiebaPostExtractJS, tiebaLoginMarkers, tiebaChallengeMarkers)
}

func (c *tiebaCrawler) FetchCreatorFeed(ctx context.Context, b Browser, creatorID, cursor string) (*Page, error) {
	pageURL := fmt.Sprintf("https://tieba.baidu.com/home/main?un=%s&pn=%d", url.QueryEscape(creatorID), cursorPage(cursor))
	return c.crawl(ctx, b, model.KindCreatorFeed, pageURL, cursor, tiebaSearchExtractJS, tiebaLoginMarkers, tiebaChallengeMarkers)
}
